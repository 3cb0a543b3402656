package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// snapshot is a finished response kept for replay.
type snapshot struct {
	status int
	header http.Header
	body   []byte
}

// recorder tees the handler's body into buf while it is written out.
type recorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// Cache replays successful GET responses from store for ttl, keyed by the full
// request URI. Responses carry X-Cache: HIT or MISS. A request sent with
// Cache-Control: no-cache skips the lookup but still refreshes the entry.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.RequestURI
		bypass := strings.Contains(c.GetHeader("Cache-Control"), "no-cache")
		if !bypass {
			if v, ok := store.Get(key); ok {
				replay(c, v.(snapshot))
				return
			}
		}

		rec := &recorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Header("X-Cache", "MISS")

		c.Next()

		if status := rec.Status(); status >= 200 && status < 300 {
			header := rec.Header().Clone()
			header.Del("X-Cache")
			store.Set(key, snapshot{
				status: status,
				header: header,
				body:   bytes.Clone(rec.buf.Bytes()),
			}, ttl)
		}
	}
}

func replay(c *gin.Context, s snapshot) {
	for k, v := range s.header {
		c.Writer.Header()[k] = v
	}
	c.Header("X-Cache", "HIT")
	c.Writer.WriteHeader(s.status)
	c.Writer.Write(s.body)
	c.Abort()
}

// Invalidate flushes store after every successful write, so cached roster
// and attendance reads never outlive the change that made them stale.
func Invalidate(store *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			return
		}
		if status := c.Writer.Status(); status >= 200 && status < 300 {
			store.Flush()
		}
	}
}
