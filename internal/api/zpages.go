// Package api provides service endpoints of the app: liveness and effective configuration
package api

import (
	"time"

	"github.com/wb-go/wbf/ginext"
)

type ZPages struct {
	config  map[string]any
	started time.Time
}

// NewZPages - config отдается как есть, секреты в него не кладем
func NewZPages(config map[string]any) *ZPages {
	return &ZPages{config: config, started: time.Now()}
}

func (z ZPages) Statuz(ctx *ginext.Context) {
	ctx.Header("X-Uptime", time.Since(z.started).Truncate(time.Second).String())
	ctx.String(200, "Ok")
}

func (z ZPages) Configz(ctx *ginext.Context) {
	ctx.JSON(200, z.config)
}
