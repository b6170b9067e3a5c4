package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/paperlog/internal/analytics"
	"github.com/paperlog/internal/config"
	"github.com/paperlog/internal/db"
	"github.com/paperlog/internal/service"
	"gorm.io/gorm"
)

type demoArticle struct {
	slug    string
	title   string
	content string
}

var demoArticles = []demoArticle{
	{
		slug:    "go-web-service",
		title:   "使用Go语言构建高性能Web服务",
		content: "Go语言因其出色的并发性能和简洁的语法，成为构建高性能Web服务的理想选择。本文分享框架选择、性能优化和实际案例分析。",
	},
	{
		slug:    "sqlite-tuning",
		title:   "SQLite数据库优化实践",
		content: "SQLite作为轻量级数据库，在很多场景下都有出色表现。本文分享索引优化、查询优化、WAL 模式与事务处理等实用技巧。",
	},
	{
		slug:    "gorm-tips",
		title:   "GORM使用技巧与最佳实践",
		content: "GORM是Go语言中最流行的ORM库之一。本文总结了GORM的常用用法、性能优化建议以及在实际项目中的经验。",
	},
}

var demoReferrers = []string{"", "https://www.google.com/search?q=go", "https://github.com/trending", "https://news.ycombinator.com/"}

var demoUTMs = []string{"", "utm_source=newsletter", "utm_source=twitter&utm_medium=social"}

// 演示数据生成器
func main() {
	cfg := config.Load()

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatal("数据库初始化失败:", err)
	}

	fmt.Println("开始生成演示数据...")

	written, err := createDemoArticles(cfg.ContentDir)
	if err != nil {
		log.Fatal("写入演示文章失败:", err)
	}
	fmt.Printf("✅ 演示文章写入完成（新增 %d 篇）\n", written)

	analyticsService := service.NewAnalyticsService(db.DB, service.AnalyticsOptions{
		EventsRetentionDays: cfg.EventsRetentionDays,
		ViewsRetentionDays:  cfg.ViewsRetentionDays,
		CleanupSampling:     0,
	}, nil)
	events, err := createDemoEvents(context.Background(), analyticsService, time.Now(), rand.New(rand.NewSource(42)))
	if err != nil {
		log.Fatal("写入演示事件失败:", err)
	}
	fmt.Printf("✅ 访问事件写入完成（%d 条）\n", events)

	likes, err := createDemoLikes(context.Background(), db.DB)
	if err != nil {
		log.Fatal("写入演示点赞失败:", err)
	}
	fmt.Printf("✅ 点赞数据写入完成（%d 条）\n", likes)

	fmt.Println("演示数据生成完成！")
}

// createDemoArticles 写入演示文章，已存在的文件保持不变。
func createDemoArticles(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	written := 0
	for _, a := range demoArticles {
		path := filepath.Join(dir, a.slug+".md")
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return written, err
		}
		body := fmt.Sprintf("---\ntitle: %s\n---\n# %s\n\n%s\n", a.title, a.title, a.content)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// createDemoEvents 生成最近 14 天的访问、停留、点击与滚动事件。
func createDemoEvents(ctx context.Context, svc *service.AnalyticsService, now time.Time, rng *rand.Rand) (int, error) {
	total := 0
	for day := 13; day >= 0; day-- {
		base := now.Add(-time.Duration(day) * 24 * time.Hour).Unix()
		visitors := 5 + rng.Intn(10)

		batch := make([]analytics.RawEvent, 0, analytics.MaxEventsPerBatch)
		for v := 0; v < visitors; v++ {
			fp := fmt.Sprintf("demo-%d", rng.Intn(40))
			a := demoArticles[rng.Intn(len(demoArticles))]
			path := "/articles/" + a.slug
			ts := base - int64(rng.Intn(3600))

			batch = append(batch,
				demoEvent("pv", ts, fp, path, demoReferrers[rng.Intn(len(demoReferrers))], demoUTMs[rng.Intn(len(demoUTMs))], nil),
				demoEvent("stay", ts+30, fp, path, "", "", map[string]any{"ms": rng.Intn(400_000)}),
				demoEvent("scroll", ts+40, fp, path, "", "", map[string]any{"depth": rng.Float64()}),
				demoEvent("click", ts+50, fp, path, "", "", map[string]any{"sel": "#like-button", "name": "like"}),
			)
			if len(batch)+4 > analytics.MaxEventsPerBatch {
				n, err := svc.Ingest(ctx, batch)
				if err != nil {
					return total, err
				}
				total += n
				batch = batch[:0]
			}
		}
		if len(batch) > 0 {
			n, err := svc.Ingest(ctx, batch)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

func demoEvent(kind string, ts int64, fp, path, ref, utm string, payload map[string]any) analytics.RawEvent {
	raw := analytics.RawEvent{Type: kind, TS: ts, FP: fp, Path: path}
	if ref != "" {
		raw.Ref = ref
	}
	if utm != "" {
		raw.UTM = utm
	}
	if payload != nil {
		raw.Payload, _ = json.Marshal(payload)
	}
	return raw
}

// createDemoLikes 为每篇演示文章写入若干点赞，已点赞的访客跳过。
func createDemoLikes(ctx context.Context, gdb *gorm.DB) (int, error) {
	likes := service.NewLikeService(gdb)
	created := 0
	for i, a := range demoArticles {
		for v := 0; v <= i+1; v++ {
			fp := fmt.Sprintf("demo-%d", v)
			status, err := likes.Status(ctx, a.slug, fp)
			if err != nil {
				return created, err
			}
			if status.IsLiked {
				continue
			}
			if _, err := likes.Toggle(ctx, a.slug, fp); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}
