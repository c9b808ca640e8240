package redis

const (
	// createBackupScript atomically stores a backup unless one with the same
	// name exists, and indexes it by creation time
	createBackupScript = `
local backup_key = KEYS[1]    -- {key}:backup:{name}
local index_key = KEYS[2]     -- {key}:backups

local name = ARGV[1]
local data = ARGV[2]
local created_at = tonumber(ARGV[3])

if redis.call('EXISTS', backup_key) == 1 then
  return 0
end

redis.call('SET', backup_key, data)
redis.call('ZADD', index_key, created_at, name)

return 1
`

	// releaseLockScript deletes the lock only if it still holds our token
	releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

	// extendLockScript pushes the lock expiry out while we still hold it
	extendLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)
