package app

import (
	"go.uber.org/zap"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/cfg"
	"github.com/Blackdeer1524/txnlog/src/pkg/utils"
)

func newLogger(env cfg.Environment) src.Logger {
	if env == cfg.EnvDev {
		return utils.Must(zap.NewDevelopment()).Sugar()
	}
	return utils.Must(zap.NewProduction()).Sugar()
}
