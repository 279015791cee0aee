// Package gateway routes requests to protected applications: chi mounts each
// app behind the middleware chain and an httputil.ReverseProxy to its URL.
package gateway
