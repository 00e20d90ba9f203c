package handler

import (
	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/gin-gonic/gin"
)

const callerKey = "worker_identity"

// SetCaller stores the authenticated worker on the request context
func SetCaller(c *gin.Context, id domain.WorkerIdentity) {
	c.Set(callerKey, id)
}

// Caller returns the authenticated worker set by the auth middleware
func Caller(c *gin.Context) (domain.WorkerIdentity, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return domain.WorkerIdentity{}, false
	}
	id, ok := v.(domain.WorkerIdentity)
	return id, ok
}
