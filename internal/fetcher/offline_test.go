package fetcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ohlcv-merge/internal/bars"
)

func TestCSVDirFetch(t *testing.T) {
	dir := t.TempDir()
	content := "date,open,high,low,close,volume\n" +
		"2023-12-29,9,9,9,9,1\n" +
		"2024-01-03,10,11,9,10.5,100\n" +
		"2024-01-02,9,10,8,9.5,200\n"
	if err := os.WriteFile(filepath.Join(dir, "600519.SH.csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewCSVDir(CSVDirOptions{Name: "csv", Dir: dir}, noopLogger())
	table, err := p.Fetch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("读取 CSV 不应报错: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("应裁剪到请求区间, 实际 %d 行", len(table))
	}
	if table[0].Date != time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("应按日期升序: %+v", table)
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("目录存在时 ping 应成功: %v", err)
	}
}

func TestCSVDirFetchIntradayRows(t *testing.T) {
	dir := t.TempDir()
	content := "date,open,high,low,close,volume\n" +
		"2024-01-02 09:30:00,10,10.5,9.8,10.2,200\n" +
		"2024-01-02 15:00:00,10.2,10.4,10,10.3,300\n" +
		"2024-01-03 09:30:00,10.3,10.6,10.1,10.5,100\n"
	if err := os.WriteFile(filepath.Join(dir, "600519.csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewCSVDir(CSVDirOptions{Name: "csv", Dir: dir}, noopLogger())
	table, err := p.Fetch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("同日多行不应使数据源失败: %v", err)
	}
	if len(table) != 3 {
		t.Fatalf("原始行应全部保留, 实际 %d 行", len(table))
	}
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if table[0].Date != day || table[1].Date != day || table[0].Close != 10.2 {
		t.Fatalf("同日行应保持文件顺序: %+v", table)
	}
}

func TestCSVDirFetchGlobAndMissing(t *testing.T) {
	dir := t.TempDir()
	content := "trade_date,open,high,low,close,vol\n20240102,1,1,1,1,1\n"
	if err := os.WriteFile(filepath.Join(dir, "600519_daily.csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewCSVDir(CSVDirOptions{Name: "csv", Dir: dir}, noopLogger())
	if _, err := p.Fetch(context.Background(), testRequest()); err != nil {
		t.Fatalf("应匹配 code_*.csv: %v", err)
	}

	req := testRequest()
	req.Symbol = "000001.XSHE"
	_, err := p.Fetch(context.Background(), req)
	var pe *bars.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("缺少文件应返回 ProviderError, 实际 %v", err)
	}
}

func TestCSVDirSchemaError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "600519.csv"), []byte("date,close\n2024-01-02,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewCSVDir(CSVDirOptions{Name: "csv", Dir: dir}, noopLogger())
	_, err := p.Fetch(context.Background(), testRequest())
	var schemaErr *bars.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("缺列应返回 SchemaError, 实际 %v", err)
	}
}

func TestStubDeterministic(t *testing.T) {
	p := NewStub(StubOptions{Name: "stub", Seed: 7})
	req := testRequest()
	req.End = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	a, err := p.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("stub 不应报错: %v", err)
	}
	b, _ := p.Fetch(context.Background(), req)
	if len(a) != len(b) || len(a) == 0 {
		t.Fatalf("两次结果长度不一致: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("第 %d 行不一致", i)
		}
		if !a[i].Valid() {
			t.Fatalf("第 %d 行违反 OHLC 约束: %+v", i, a[i])
		}
		if wd := a[i].Date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("不应生成周末数据: %v", a[i].Date)
		}
	}
}

func TestStubBias(t *testing.T) {
	base, _ := NewStub(StubOptions{Name: "a", Seed: 1}).Fetch(context.Background(), testRequest())
	biased, _ := NewStub(StubOptions{Name: "b", Seed: 1, Bias: 0.05}).Fetch(context.Background(), testRequest())
	if biased[0].Close <= base[0].Close {
		t.Fatalf("正向 bias 应抬高价格: %v vs %v", biased[0].Close, base[0].Close)
	}
}

type fakeSource struct {
	table bars.Table
	err   error
	pings int
}

func (f *fakeSource) DailyBars(ctx context.Context, symbol string, start, end time.Time) (bars.Table, error) {
	return f.table, f.err
}

func (f *fakeSource) Ping(ctx context.Context) error {
	f.pings++
	return nil
}

func TestDatabaseMissingConfig(t *testing.T) {
	db := NewDatabase(DatabaseOptions{Name: "db"}, nil, noopLogger())
	if _, err := db.Fetch(context.Background(), testRequest()); err == nil {
		t.Fatal("未配置数据库时应报错")
	}
}

func TestDatabaseOpensOnce(t *testing.T) {
	src := &fakeSource{table: bars.Table{{Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 1, High: 1, Low: 1, Close: 1}}}
	opens := 0
	db := NewDatabase(DatabaseOptions{Name: "db"}, func(ctx context.Context) (BarSource, error) {
		opens++
		return src, nil
	}, noopLogger())

	for i := 0; i < 3; i++ {
		if _, err := db.Fetch(context.Background(), testRequest()); err != nil {
			t.Fatalf("查询不应报错: %v", err)
		}
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if opens != 1 || src.pings != 1 {
		t.Fatalf("连接应只建立一次: opens=%d pings=%d", opens, src.pings)
	}
}

func TestDatabaseEmptyResult(t *testing.T) {
	db := NewDatabase(DatabaseOptions{Name: "db"}, func(ctx context.Context) (BarSource, error) {
		return &fakeSource{}, nil
	}, noopLogger())
	_, err := db.Fetch(context.Background(), testRequest())
	if !errors.Is(err, bars.ErrEmptySource) {
		t.Fatalf("空结果应返回 ErrEmptySource, 实际 %v", err)
	}
}
