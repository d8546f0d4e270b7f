// Package ttlcache provides a small generic cache whose entries expire after
// a fixed TTL.
//
//	c := ttlcache.New[string, time.Duration](time.Minute, 1024)
//	defer c.Close()
//	c.Set("guild-1", 30*time.Minute)
//	v, ok := c.Get("guild-1")
//
// A zero TTL makes every entry expire immediately, which effectively disables
// caching.
package ttlcache
