package server

import (
	"net"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// localOrigin rejects requests made by web pages which aren't served from this machine.
// Requests without an Origin header, like those of command line clients, pass.
func localOrigin(c *gin.Context) {
	if origin := c.GetHeader("Origin"); origin != "" && !isLocalOrigin(origin) {
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "requests from origin " + origin + " are not allowed"})
		return
	}
	c.Next()
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// requireJSON rejects request bodies which aren't declared as json.
// Browsers send other content types across origins without asking first.
func requireJSON(c *gin.Context) {
	if c.ContentType() != gin.MIMEJSON {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, errorResponse{Error: "content type has to be " + gin.MIMEJSON})
		return
	}
	c.Next()
}
