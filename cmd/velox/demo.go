package main

import (
	"encoding/json"
	"time"

	"github.com/albertbausili/velox/pkg/velox"
)

const indexPage = `<!DOCTYPE html>
<html>
<head>
    <title>velox</title>
    <link rel="stylesheet" href="/static/style.css">
</head>
<body>
    <h1>velox</h1>
    <p>The stylesheet and script were promised before this page was sent.</p>
    <script src="/static/app.js"></script>
</body>
</html>`

// demoRouter returns the routes the serve command installs. Anything
// not routed here falls through to the document root.
func demoRouter(rateLimit int) *velox.Router {
	router := velox.NewRouter()
	router.Use(velox.RequestID())

	router.GET("/health", velox.Health())

	router.GET("/", func(_ *velox.Request, res *velox.Response) {
		h := res.Header()
		h.Set("content-type", "text/html; charset=utf-8")
		h.Add("link", "</static/style.css>; rel=preload; as=style")
		h.Add("link", "</static/app.js>; rel=preload; as=script")
		_, _ = res.WriteString(indexPage)
		_ = res.Complete(200)
	})

	router.GET("/hello/:name", func(req *velox.Request, res *velox.Response) {
		res.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = res.WriteString("Hello, " + req.Param("name") + "!\n")
		_ = res.Complete(200)
	})

	// Completes from another goroutine after the handler returns.
	router.GET("/slow", func(_ *velox.Request, res *velox.Response) {
		time.AfterFunc(100*time.Millisecond, func() {
			_, _ = res.WriteString("slow\n")
			_ = res.Complete(200)
		})
	})

	api := router.Group("/api").RequireSession()
	if rateLimit > 0 {
		api.Use(velox.RateLimiter(rateLimit))
	}
	api.GET("/me", func(req *velox.Request, res *velox.Response) {
		writeJSON(res, 200, map[string]any{
			"principal": req.Session.Principal,
			"session":   req.Session.ID,
			"since":     req.Session.Created.UTC().Format(time.RFC3339),
		})
	})
	api.POST("/echo", func(req *velox.Request, res *velox.Response) {
		if ct := req.Header.Get("content-type"); ct != "" {
			res.Header().Set("content-type", ct)
		}
		_, _ = res.Write(req.Body)
		_ = res.Complete(200)
	})

	return router
}

func writeJSON(res *velox.Response, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		_, _ = res.WriteString("Internal Server Error")
		_ = res.Complete(500)
		return
	}
	res.Header().Set("content-type", "application/json")
	_, _ = res.Write(body)
	_ = res.Complete(status)
}
