package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paperlog/internal/analytics"
	"github.com/paperlog/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRangeDays = 7
	aggregateTopN    = 10
)

var (
	stayThresholds   = []float64{5, 15, 60, 180, 600}
	scrollThresholds = []float64{25, 50, 75, 100}

	windowDateLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
)

// Window 是统计的闭区间 [Since, Until]，单位为秒。
type Window struct {
	Since int64
	Until int64
}

// ResolveWindow 根据 range/start/end 参数确定统计窗口。
// start/end 支持秒、毫秒时间戳与常见日期格式；range 取 1d、7d、30d，默认 7d。
func ResolveWindow(rangeParam, start, end string, now time.Time) Window {
	days := defaultRangeDays
	switch strings.TrimSpace(rangeParam) {
	case "1d":
		days = 1
	case "30d":
		days = 30
	}

	nowSec := now.Unix()
	w := Window{Since: nowSec - int64(days)*secondsPerDay, Until: nowSec}
	if ts, ok := parseWindowBound(start); ok {
		w.Since = ts
	}
	if ts, ok := parseWindowBound(end); ok {
		w.Until = ts
	}
	return w
}

func parseWindowBound(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
			return 0, false
		}
		if n > 1_000_000_000_000 {
			n /= 1000
		}
		return int64(math.Floor(n)), true
	}
	for _, layout := range windowDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			if ts := t.Unix(); ts > 0 {
				return ts, true
			}
			return 0, false
		}
	}
	return 0, false
}

// DayCount 是某个 UTC 自然日的计数，D 为当日零点秒级时间戳。
type DayCount struct {
	D int64 `json:"d"`
	C int64 `json:"c"`
}

// ArticleCount 是单篇文章的浏览量。
type ArticleCount struct {
	Slug string `json:"slug"`
	V    int64  `json:"v"`
}

// ReferrerCount 是来源主域名的浏览量。
type ReferrerCount struct {
	Ref string `json:"ref"`
	V   int64  `json:"v"`
}

// SourceCount 是 utm_source 的浏览量。
type SourceCount struct {
	Src string `json:"src"`
	V   int64  `json:"v"`
}

// ReferrerDayCount 是某来源在某日的浏览量。
type ReferrerDayCount struct {
	D   int64  `json:"d"`
	Ref string `json:"ref"`
	C   int64  `json:"c"`
}

// ClickCount 是按选择器与名称聚合的点击次数。
type ClickCount struct {
	Sel  string  `json:"sel"`
	Name *string `json:"name"`
	V    int64   `json:"v"`
}

// AggregateReport 是统计窗口内的流量、来源与行为汇总。
type AggregateReport struct {
	TotalPV           int64              `json:"totalPv"`
	TotalUV           int64              `json:"totalUv"`
	ByDay             []DayCount         `json:"byDay"`
	ByDayUV           []DayCount         `json:"byDayUv"`
	TopArticles       []ArticleCount     `json:"topArticles"`
	TopReferrers      []ReferrerCount    `json:"topReferrers"`
	TopUTMSource      []SourceCount      `json:"topUtmSource"`
	ByReferrerDay     []ReferrerDayCount `json:"byReferrerDay"`
	StayBuckets       [6]int64           `json:"stayBuckets"`
	TopClicks         []ClickCount       `json:"topClicks"`
	ScrollDist        [4]int64           `json:"scrollDist"`
	NewVisitors       int64              `json:"newVisitors"`
	ReturningVisitors int64              `json:"returningVisitors"`
	AITodayUsed       int64              `json:"aiTodayUsed"`
	AIDailyLimit      int64              `json:"aiDailyLimit"`
	AIRemaining       int64              `json:"aiRemaining"`
}

// WithQuota 填充当日 AI 配额用量，与统计窗口无关。
func (r *AggregateReport) WithQuota(usage QuotaUsage, limit int64) {
	r.AITodayUsed = usage.Count
	r.AIDailyLimit = limit
	r.AIRemaining = max(0, limit-usage.Count)
}

// Aggregate 汇总窗口内的统计数据，只读不写。
func (s *AnalyticsService) Aggregate(ctx context.Context, w Window) (AggregateReport, error) {
	report := AggregateReport{
		ByDay:         []DayCount{},
		ByDayUV:       []DayCount{},
		TopArticles:   []ArticleCount{},
		TopReferrers:  []ReferrerCount{},
		TopUTMSource:  []SourceCount{},
		ByReferrerDay: []ReferrerDayCount{},
		TopClicks:     []ClickCount{},
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		steps := []func(*gorm.DB, Window, *AggregateReport) error{
			s.aggregateTraffic,
			s.aggregateTopArticles,
			s.aggregateSources,
			s.aggregateBehavior,
			s.aggregateVisitors,
		}
		for _, step := range steps {
			if err := step(tx, w, &report); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return AggregateReport{}, fmt.Errorf("aggregate analytics: %w", err)
	}
	if report.ByDay == nil {
		report.ByDay = []DayCount{}
	}
	if report.ByDayUV == nil {
		report.ByDayUV = []DayCount{}
	}
	return report, nil
}

func pvInWindow(tx *gorm.DB, w Window) *gorm.DB {
	return tx.Model(&db.Event{}).
		Where("type = ? AND ts >= ? AND ts <= ?", string(analytics.TypePageView), w.Since, w.Until)
}

func eventsInWindow(tx *gorm.DB, eventType analytics.EventType, w Window) *gorm.DB {
	return tx.Model(&db.Event{}).
		Where("type = ? AND ts >= ? AND ts <= ?", string(eventType), w.Since, w.Until)
}

func (s *AnalyticsService) aggregateTraffic(tx *gorm.DB, w Window, r *AggregateReport) error {
	if err := pvInWindow(tx, w).Count(&r.TotalPV).Error; err != nil {
		return err
	}
	if err := pvInWindow(tx, w).Where("fp IS NOT NULL").Distinct("fp").Count(&r.TotalUV).Error; err != nil {
		return err
	}
	if err := pvInWindow(tx, w).
		Select("(ts - ts % 86400) AS d, COUNT(1) AS c").
		Group("d").Order("d").
		Scan(&r.ByDay).Error; err != nil {
		return err
	}
	return pvInWindow(tx, w).
		Where("fp IS NOT NULL").
		Select("(ts - ts % 86400) AS d, COUNT(DISTINCT fp) AS c").
		Group("d").Order("d").
		Scan(&r.ByDayUV).Error
}

// aggregateTopArticles 优先读取按日聚合表，不可用或查询失败时回退到原始事件。
func (s *AnalyticsService) aggregateTopArticles(tx *gorm.DB, w Window, r *AggregateReport) error {
	if s.viewsAvailable {
		var rows []ArticleCount
		err := tx.Model(&db.ArticleView{}).
			Select("slug, SUM(views) AS v").
			Where("day_start_utc >= ?", DayStartUTC(w.Since)).
			Group("slug").
			Order("v DESC, slug ASC").
			Limit(aggregateTopN).
			Scan(&rows).Error
		if err == nil {
			r.TopArticles = append(r.TopArticles, rows...)
			return nil
		}
		s.logger.Warn("top_articles_fallback", zap.Error(err))
	}

	var rows []ArticleCount
	if err := pvInWindow(tx, w).
		Select("substr(path, ?) AS slug, COUNT(1) AS v", len(articlePathPrefix)+1).
		Where("path LIKE ?", articlePathPrefix+"%").
		Group("slug").
		Order("v DESC, slug ASC").
		Limit(aggregateTopN).
		Scan(&rows).Error; err != nil {
		return err
	}
	r.TopArticles = append(r.TopArticles, rows...)
	return nil
}

func (s *AnalyticsService) aggregateSources(tx *gorm.DB, w Window, r *AggregateReport) error {
	var refs []sql.NullString
	if err := pvInWindow(tx, w).Pluck("ref", &refs).Error; err != nil {
		return err
	}
	refCount := make(map[string]int64)
	for _, ref := range refs {
		refCount[MainDomain(ref.String)]++
	}
	for _, kv := range topCounts(refCount, aggregateTopN) {
		r.TopReferrers = append(r.TopReferrers, ReferrerCount{Ref: kv.key, V: kv.count})
	}

	var utms []sql.NullString
	if err := pvInWindow(tx, w).Pluck("utm", &utms).Error; err != nil {
		return err
	}
	utmCount := make(map[string]int64)
	for _, utm := range utms {
		utmCount[UTMSource(utm.String)]++
	}
	for _, kv := range topCounts(utmCount, aggregateTopN) {
		r.TopUTMSource = append(r.TopUTMSource, SourceCount{Src: kv.key, V: kv.count})
	}

	for _, ref := range r.TopReferrers {
		var rows []DayCount
		if err := pvInWindow(tx, w).
			Select("(ts - ts % 86400) AS d, COUNT(1) AS c").
			Where(referrerHostExpr+` LIKE ? ESCAPE '\'`, escapeLike(ref.Ref)+"%").
			Group("d").Order("d").
			Scan(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			r.ByReferrerDay = append(r.ByReferrerDay, ReferrerDayCount{D: row.D, Ref: ref.Ref, C: row.C})
		}
	}
	return nil
}

// referrerHostExpr 在 SQL 中近似提取来源主机名，空来源记为 direct。
const referrerHostExpr = `(CASE WHEN ref IS NULL OR ref = '' THEN 'direct' ELSE ` +
	`replace(replace(replace(substr(ref, instr(ref, '://') + 3), 'www.', ''), '/', ''), ':', '') END)`

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *AnalyticsService) aggregateBehavior(tx *gorm.DB, w Window, r *AggregateReport) error {
	var stays []string
	if err := eventsInWindow(tx, analytics.TypeStay, w).Pluck("payload", &stays).Error; err != nil {
		return err
	}
	for _, payload := range stays {
		stay, ok := analytics.ParseStay(payload)
		if !ok {
			continue
		}
		r.StayBuckets[StayBucket(stay.MS)]++
	}

	var clicks []string
	if err := eventsInWindow(tx, analytics.TypeClick, w).Pluck("payload", &clicks).Error; err != nil {
		return err
	}
	type clickKey struct {
		sel  string
		name string
	}
	clickCount := make(map[clickKey]int64)
	for _, payload := range clicks {
		click, ok := analytics.ParseClick(payload)
		if !ok {
			continue
		}
		key := clickKey{sel: click.Sel}
		if click.Name != nil {
			key.name = *click.Name
		} else if key.sel == "" {
			key.sel = "unknown"
		}
		clickCount[key]++
	}
	keys := make([]clickKey, 0, len(clickCount))
	for k := range clickCount {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := clickCount[keys[i]], clickCount[keys[j]]
		if ci != cj {
			return ci > cj
		}
		if keys[i].sel != keys[j].sel {
			return keys[i].sel < keys[j].sel
		}
		return keys[i].name < keys[j].name
	})
	if len(keys) > aggregateTopN {
		keys = keys[:aggregateTopN]
	}
	for _, k := range keys {
		item := ClickCount{Sel: k.sel, V: clickCount[k]}
		if k.name != "" {
			name := k.name
			item.Name = &name
		}
		r.TopClicks = append(r.TopClicks, item)
	}

	var scrolls []string
	if err := eventsInWindow(tx, analytics.TypeScroll, w).Pluck("payload", &scrolls).Error; err != nil {
		return err
	}
	for _, payload := range scrolls {
		scroll, ok := analytics.ParseScroll(payload)
		if !ok {
			continue
		}
		r.ScrollDist[ScrollBucket(scroll.Depth)]++
	}
	return nil
}

// aggregateVisitors 以指纹在历史上首次出现的时间区分新老访客。
func (s *AnalyticsService) aggregateVisitors(tx *gorm.DB, w Window, r *AggregateReport) error {
	var windowFPs []string
	if err := pvInWindow(tx, w).
		Where("fp IS NOT NULL AND TRIM(fp) <> ''").
		Distinct().
		Pluck("TRIM(fp)", &windowFPs).Error; err != nil {
		return err
	}

	var newVisitors int64
	if len(windowFPs) > 0 {
		firstSeen := tx.Model(&db.Event{}).
			Select("TRIM(fp) AS fp, MIN(ts) AS first").
			Where("type = ? AND fp IS NOT NULL AND ts <= ?", string(analytics.TypePageView), w.Until).
			Group("TRIM(fp)")
		if err := tx.Table("(?) AS seen", firstSeen).
			Where("seen.fp IN (?)", pvInWindow(tx, w).Select("TRIM(fp)").Where("fp IS NOT NULL")).
			Where("seen.first >= ? AND seen.first <= ?", w.Since, w.Until).
			Count(&newVisitors).Error; err != nil {
			return err
		}
	}

	r.NewVisitors = newVisitors
	r.ReturningVisitors = max(0, int64(len(windowFPs))-newVisitors)
	return nil
}

// StayBucket 将停留毫秒数映射到 0-5s、5-15s、15-60s、1-3m、3-10m、10m+ 六档。
func StayBucket(ms float64) int {
	secs := math.Floor(ms / 1000)
	for i, threshold := range stayThresholds {
		if secs < threshold {
			return i
		}
	}
	return len(stayThresholds)
}

// ScrollBucket 将滚动深度映射到 ≤25、≤50、≤75、≤100 四档。
func ScrollBucket(depth float64) int {
	for i, threshold := range scrollThresholds {
		if depth <= threshold {
			return i
		}
	}
	return len(scrollThresholds) - 1
}

// MainDomain 返回来源 URL 去掉 www. 前缀的主机名，无法解析时记为 direct。
func MainDomain(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "direct"
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		return "direct"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

var utmBase = &url.URL{Scheme: "http", Host: "dummy"}

// UTMSource 从形如 ?utm_source=x 的查询串或完整 URL 中读取 utm_source，缺省为 unknown。
func UTMSource(raw string) string {
	if raw == "" {
		return "unknown"
	}
	var query url.Values
	if ref, err := url.Parse(raw); err == nil {
		query = utmBase.ResolveReference(ref).Query()
	} else {
		query, _ = url.ParseQuery(strings.TrimPrefix(raw, "?"))
	}
	if src := query.Get("utm_source"); src != "" {
		return src
	}
	return "unknown"
}

type keyCount struct {
	key   string
	count int64
}

// topCounts 按次数降序、键升序取前 n 项。
func topCounts(counts map[string]int64, n int) []keyCount {
	items := make([]keyCount, 0, len(counts))
	for k, c := range counts {
		items = append(items, keyCount{key: k, count: c})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].count != items[j].count {
			return items[i].count > items[j].count
		}
		return items[i].key < items[j].key
	})
	if len(items) > n {
		items = items[:n]
	}
	return items
}

// CSV 数据集名称。
const (
	DatasetPVUV        = "pv_uv"
	DatasetTopArticles = "top_articles"
	DatasetReferrers   = "referrers"
	DatasetUTM         = "utm"
)

// WriteCSV 按数据集导出汇总结果，未知数据集按 pv_uv 处理。
// 行之间以 \n 分隔，末行不带换行。
func WriteCSV(w io.Writer, dataset string, r AggregateReport) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	var records [][]string
	switch strings.ToLower(strings.TrimSpace(dataset)) {
	case DatasetTopArticles:
		records = append(records, []string{"slug", "pv"})
		for _, a := range r.TopArticles {
			records = append(records, []string{a.Slug, strconv.FormatInt(a.V, 10)})
		}
	case DatasetReferrers:
		records = append(records, []string{"ref", "pv"})
		for _, ref := range r.TopReferrers {
			records = append(records, []string{ref.Ref, strconv.FormatInt(ref.V, 10)})
		}
	case DatasetUTM:
		records = append(records, []string{"src", "pv"})
		for _, src := range r.TopUTMSource {
			records = append(records, []string{src.Src, strconv.FormatInt(src.V, 10)})
		}
	default:
		records = append(records, []string{"date", "pv", "uv"})
		uvByDay := make(map[int64]int64, len(r.ByDayUV))
		for _, d := range r.ByDayUV {
			uvByDay[d.D] = d.C
		}
		for _, d := range r.ByDay {
			date := time.Unix(d.D, 0).UTC().Format("2006-01-02")
			records = append(records, []string{date, strconv.FormatInt(d.C, 10), strconv.FormatInt(uvByDay[d.D], 10)})
		}
	}

	if err := cw.WriteAll(records); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if _, err := w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
