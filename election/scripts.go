package election

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var atomicSet = redis.NewScript(`
local key = KEYS[1]
local id = ARGV[1]
local ms = ARGV[2]

if (redis.call('SET', key, id, 'PX', ms, 'NX') == false) then
    return 0
else
    return 1
end
`)

var atomicRenew = redis.NewScript(`
local key = KEYS[1]
local id = ARGV[1]
local ms = ARGV[2]

if (id == redis.call('GET', key)) then
  redis.call('PEXPIRE', key, ms)
  return 1
else
  return 0
end
`)

var atomicDelete = redis.NewScript(`
local key = KEYS[1]
local id = ARGV[1]

if (redis.call('GET', key) == id) then
  redis.call('DEL', key)
  return 1
else
  return 0
end
`)

func registerScripts(r redis.Scripter) error {
	for _, script := range []*redis.Script{atomicSet, atomicRenew, atomicDelete} {
		if err := script.Load(context.Background(), r).Err(); err != nil {
			return err
		}
	}
	return nil
}

func runBoolScript(script *redis.Script, r redis.Scripter, keys []string, args ...interface{}) (bool, error) {
	v, err := script.Run(context.Background(), r, keys, args...).Result()
	if err != nil {
		return false, err
	}
	i, ok := v.(int64)
	return ok && i == 1, nil
}

func doAtomicSet(r redis.Scripter, key, id string, ttl time.Duration) (bool, error) {
	return runBoolScript(atomicSet, r, []string{key}, id, ttl.Milliseconds())
}

func doAtomicRenew(r redis.Scripter, key, id string, ttl time.Duration) (bool, error) {
	return runBoolScript(atomicRenew, r, []string{key}, id, ttl.Milliseconds())
}

func doAtomicDelete(r redis.Scripter, key, id string) (bool, error) {
	return runBoolScript(atomicDelete, r, []string{key}, id)
}
