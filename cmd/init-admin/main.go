package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/paperlog/internal/config"
	"github.com/paperlog/internal/db"
	"github.com/paperlog/internal/logging"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	username := flag.String("username", cfg.SuperRootUserName, "管理员用户名")
	password := flag.String("password", cfg.SuperRootPassword, "管理员密码")
	flag.Parse()

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "请通过 -username/-password 或 SUPER_ROOT_USER_NAME/SUPER_ROOT_PASSWORD 提供管理员账号")
		os.Exit(2)
	}

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		logger.Fatal("数据库初始化失败", zap.Error(err))
	}

	// 检查是否已存在用户
	var count int64
	if err := db.DB.Model(&db.User{}).Where("username = ?", *username).Count(&count).Error; err != nil {
		logger.Fatal("查询用户失败", zap.Error(err))
	}
	if count > 0 {
		fmt.Println("用户已存在，无需初始化")
		return
	}

	if err := db.EnsureUser(db.DB, *username, *password); err != nil {
		logger.Fatal("创建用户失败", zap.Error(err))
	}

	fmt.Println("管理员用户创建成功")
	fmt.Println("用户名:", *username)
}
