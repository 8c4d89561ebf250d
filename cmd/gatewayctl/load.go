package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nao1215/filegate/pkg/httpclient"
)

// loadResult は負荷試験の集計結果。
type loadResult struct {
	// statuses はステータスコードごとの件数。
	statuses map[int]int
	// cacheHits はX-Cache: HITの件数。
	cacheHits int
	// errors は通信に失敗した件数。
	errors int
	// firstLimited は最初に429を受け取ったリクエストの番号（1始まり）。0の場合は受け取っていない。
	firstLimited int
	// elapsed は全体の所要時間。
	elapsed time.Duration
}

// runLoad は一定の間隔でリクエストを送り、応答の内訳を表示する。
func runLoad(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("load", stderr)
	target := fs.String("url", "http://localhost:8080/api/files", "リクエスト先のURL")
	method := fs.String("method", http.MethodGet, "HTTPメソッド")
	token := fs.String("token", "", "Bearerトークン")
	count := fs.Int("n", 60, "送信するリクエスト数")
	rps := fs.Float64("rps", 10, "1秒あたりのリクエスト数")
	timeout := fs.Duration("timeout", 30*time.Second, "1リクエストのタイムアウト")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 1 || *rps <= 0 {
		fs.Usage()
		return errors.New("-n は1以上、-rps は正の値を指定してください")
	}

	u, err := url.Parse(*target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URLが不正です: %q", *target)
	}
	client := httpclient.New(u.Scheme+"://"+u.Host, httpclient.WithTimeout(*timeout))

	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}

	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	res, err := load(ctx, client, rate.NewLimiter(rate.Limit(*rps), 1), *method, path, header, *count)
	if err != nil {
		return err
	}
	printLoadResult(stdout, res)
	return nil
}

// load はlimiterの間隔でcount件のリクエストを順に送る。
func load(ctx context.Context, client *httpclient.Client, limiter *rate.Limiter, method, path string, header http.Header, count int) (*loadResult, error) {
	res := &loadResult{statuses: make(map[int]int)}
	start := time.Now()

	for i := 1; i <= count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("送信の待機に失敗: %w", err)
		}

		resp, err := client.Do(ctx, method, path, header, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.errors++
			continue
		}
		res.statuses[resp.StatusCode]++
		if resp.Header.Get("X-Cache") == "HIT" {
			res.cacheHits++
		}
		if resp.StatusCode == http.StatusTooManyRequests && res.firstLimited == 0 {
			res.firstLimited = i
		}
	}

	res.elapsed = time.Since(start)
	return res, nil
}

// printLoadResult は集計結果を表示する。
func printLoadResult(w io.Writer, res *loadResult) {
	codes := make([]int, 0, len(res.statuses))
	for code := range res.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Fprintf(w, "所要時間: %s\n", res.elapsed.Round(time.Millisecond))
	for _, code := range codes {
		fmt.Fprintf(w, "  %d %s: %d\n", code, http.StatusText(code), res.statuses[code])
	}
	if res.errors > 0 {
		fmt.Fprintf(w, "  通信エラー: %d\n", res.errors)
	}
	fmt.Fprintf(w, "キャッシュヒット: %d\n", res.cacheHits)
	if res.firstLimited > 0 {
		fmt.Fprintf(w, "最初に拒否されたリクエスト: %s件目\n", strconv.Itoa(res.firstLimited))
	}
}
