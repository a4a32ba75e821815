package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// gzipWriter откладывает заголовки до первой записи тела, чтобы пустой ответ уходил без сжатия.
type gzipWriter struct {
	w           http.ResponseWriter
	zw          *gzip.Writer
	status      int
	wroteHeader bool
}

func newGzipWriter(w http.ResponseWriter) *gzipWriter {
	return &gzipWriter{w: w, zw: gzip.NewWriter(w)}
}

func (c *gzipWriter) Header() http.Header {
	return c.w.Header()
}

func (c *gzipWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		if c.status == 0 {
			c.status = http.StatusOK
		}
		c.wroteHeader = true
		c.w.Header().Set("Content-Encoding", "gzip")
		c.w.Header().Del("Content-Length")
		c.w.WriteHeader(c.status)
	}
	return c.zw.Write(p)
}

func (c *gzipWriter) WriteHeader(statusCode int) {
	if c.status != 0 {
		return
	}
	c.status = statusCode
}

// Close завершает поток gzip. Если тело не писалось, отправляет только статус.
func (c *gzipWriter) Close() error {
	if !c.wroteHeader {
		if c.status != 0 {
			c.w.WriteHeader(c.status)
		}
		return nil
	}
	return c.zw.Close()
}

type gzipReader struct {
	r  io.ReadCloser
	zr *gzip.Reader
}

func newGzipReader(r io.ReadCloser) (*gzipReader, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &gzipReader{r: r, zr: zr}, nil
}

func (c *gzipReader) Read(p []byte) (int, error) {
	return c.zr.Read(p)
}

func (c *gzipReader) Close() error {
	if err := c.r.Close(); err != nil {
		return err
	}
	return c.zr.Close()
}

// GzipMiddleware распаковывает тело запроса в gzip и сжимает ответ, если клиент его принимает.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := w

		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			gw := newGzipWriter(w)
			out = gw
			defer gw.Close()
		}

		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			gr, err := newGzipReader(r.Body)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			r.Body = gr
			defer gr.Close()
		}

		next.ServeHTTP(out, r)
	})
}
