package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"paykit/internal/response"
)

// maxBodyBytes caps a decompressed request body.
const maxBodyBytes = 4 << 20

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (b gzipBody) Close() error {
	b.Reader.Close()
	return b.body.Close()
}

// DecompressRequest transparently inflates gzip-encoded request bodies.
func DecompressRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.EqualFold(c.GetHeader("Content-Encoding"), "gzip") || c.Request.Body == nil {
			c.Next()
			return
		}
		zr, err := gzip.NewReader(c.Request.Body)
		if err != nil {
			response.AbortJSON(c, http.StatusBadRequest, "Invalid gzip body: "+err.Error())
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, gzipBody{Reader: zr, body: c.Request.Body}, maxBodyBytes)
		c.Request.Header.Del("Content-Encoding")
		c.Request.ContentLength = -1
		c.Next()
	}
}
