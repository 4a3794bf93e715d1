package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type cachedPage struct {
	status  int
	headers http.Header
	body    []byte
}

type teeWriter struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (w teeWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w teeWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// CacheGET serves repeated GET requests from an in-memory cache keyed on
// the full request URI. Availability lookups are read-heavy and change only
// when a template or booking does, so a short ttl keeps them cheap without
// going stale for long.
func CacheGET(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.RequestURI
		if hit, found := store.Get(key); found {
			page := hit.(cachedPage)
			for k, v := range page.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.WriteHeader(page.status)
			c.Writer.Write(page.body)
			c.Abort()
			return
		}

		tw := &teeWriter{buf: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = tw

		c.Next()

		if tw.Status() >= 200 && tw.Status() < 300 {
			store.Set(key, cachedPage{
				status:  tw.Status(),
				headers: tw.Header().Clone(),
				body:    tw.buf.Bytes(),
			}, ttl)
		}
	}
}
