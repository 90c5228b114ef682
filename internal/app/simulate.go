package app

import (
	"context"
	"errors"
	"time"

	"ohlcv-merge/internal/fetcher"
	"ohlcv-merge/internal/service"
)

// SimulateOptions parameterise a simulated refresh.
type SimulateOptions struct {
	Symbol string
	// Bias is the relative price offset of the second stub provider.
	Bias float64
}

// SimulateAlert 用两个存在价差的 stub 数据源跑一次刷新，验证告警链路。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	if opts.Symbol == "" {
		return errors.New("symbol 不能为空")
	}

	providers := []fetcher.Provider{
		fetcher.NewStub(fetcher.StubOptions{Name: "sim-primary", Seed: 1}),
		fetcher.NewStub(fetcher.StubOptions{Name: "sim-alternate", Seed: 1, Bias: opts.Bias}),
	}
	svc, err := a.newService(ctx, serviceDeps{providers: providers, noCache: true, noAudit: true})
	if err != nil {
		return err
	}

	ropts := a.refreshOptions()
	ropts.Watchlist = []string{opts.Symbol}
	ropts.LockKey = 0
	ropts.AlertsOn = true
	refresher := service.NewRefresher(svc, nil, nil, notifier, ropts, a.Logger)

	return refresher.ProcessBucket(ctx, time.Now().UTC())
}
