package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.Merge.ConflictTolerance != 0.01 || cfg.Merge.FreshnessTolerance != 3 {
		t.Fatalf("合并默认值不正确: %+v", cfg.Merge)
	}
	if !cfg.Merge.AllowOverrideOnInvalid {
		t.Fatal("默认应允许覆盖无效行")
	}
	if cfg.Cache.TTL["1d"] != 12*time.Hour {
		t.Fatalf("1d 缓存 TTL 默认应为 12h, 实际 %v", cfg.Cache.TTL)
	}
	if cfg.Providers.Timeout != 30*time.Second {
		t.Fatalf("providers.timeout 默认应为 30s, 实际 %v", cfg.Providers.Timeout)
	}
	if cfg.Calendar.Default != "XSHG" || cfg.Export.Workers != 4 {
		t.Fatalf("日历或导出默认值不正确: %+v %+v", cfg.Calendar, cfg.Export)
	}
}

func TestLoadProviders(t *testing.T) {
	body := `
providers:
  priority: [primary]
  sources:
    primary:
      kind: http
      base_url: http://localhost:9000
      timeout: 3s
      retries: 2
    offline:
      kind: csv
      dir: ./data
    demo:
      kind: stub
      enabled: false
cache:
  ttl:
    1d: 1h
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("加载 provider 配置失败: %v", err)
	}
	if got := cfg.Providers.Sources["primary"].Timeout; got != 3*time.Second {
		t.Fatalf("timeout 解析错误: %v", got)
	}
	order := cfg.ProviderOrder()
	if len(order) != 2 || order[0] != "primary" || order[1] != "offline" {
		t.Fatalf("provider 顺序不正确: %v", order)
	}
	if cfg.Cache.TTL["1d"] != time.Hour {
		t.Fatalf("TTL 覆盖失败: %v", cfg.Cache.TTL)
	}
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cases := []string{
		"providers:\n  sources:\n    a:\n      kind: http\n",
		"providers:\n  sources:\n    a:\n      kind: ftp\n",
		"providers:\n  priority: [missing]\n",
		"export:\n  format: xlsx\n",
		"merge:\n  conflict_tolerance: -1\n",
		"providers:\n  timeout: -1s\n",
	}
	for _, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("非法配置应报错:\n%s", body)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OHLCVMERGE_MERGE_CONFLICT_TOLERANCE", "0.05")
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Merge.ConflictTolerance != 0.05 {
		t.Fatalf("环境变量应覆盖容差, 实际 %v", cfg.Merge.ConflictTolerance)
	}
}

func TestResolveWorkers(t *testing.T) {
	cfg := &Config{Export: ExportConfig{Workers: 4}}
	if cfg.ResolveWorkers(0) != 4 || cfg.ResolveWorkers(8) != 8 {
		t.Fatal("workers 解析错误")
	}
}
