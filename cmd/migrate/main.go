package main

import (
	"flag"
	"fmt"
	"log"

	"qtune/internal/config"
	"qtune/internal/database"
	"qtune/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		up         = flag.Bool("up", false, "运行数据库迁移")
		down       = flag.Bool("down", false, "回滚数据库迁移")
		version    = flag.Bool("version", false, "显示当前迁移版本")
		force      = flag.Int("force", -1, "强制设置迁移版本（用于修复脏状态）")
		help       = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database, logger.NewLogger(cfg.Logging))
	if err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db)
	if err != nil {
		log.Fatalf("创建迁移器失败: %v", err)
	}
	defer migrator.Close()

	switch {
	case *down:
		rollbackMigrations(migrator)
	case *version:
		showVersion(migrator)
	case *force >= 0:
		forceMigrationVersion(migrator, *force)
	case *up:
		runMigrations(migrator)
	default:
		runMigrations(migrator)
	}
}

func showHelp() {
	fmt.Println("qtune 数据库迁移工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  migrate [选项]")
	fmt.Println()
	fmt.Println("选项:")
	fmt.Println("  -config string   配置文件路径 (默认: configs/config.yaml)")
	fmt.Println("  -up              运行数据库迁移")
	fmt.Println("  -down            回滚全部迁移")
	fmt.Println("  -version         显示当前迁移版本")
	fmt.Println("  -force int       强制设置迁移版本（用于修复脏状态）")
	fmt.Println()
	fmt.Println("数据库驱动由配置中的 database.driver 决定 (postgres 或 sqlite3)")
}

func runMigrations(migrator *database.Migrator) {
	log.Println("开始运行数据库迁移...")
	if err := migrator.Up(); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	log.Println("数据库迁移完成")
}

func rollbackMigrations(migrator *database.Migrator) {
	log.Println("开始回滚数据库迁移...")
	if err := migrator.Down(); err != nil {
		log.Fatalf("数据库回滚失败: %v", err)
	}
	log.Println("数据库回滚完成")
}

func showVersion(migrator *database.Migrator) {
	version, err := migrator.Version()
	if err != nil {
		log.Fatalf("获取迁移版本失败: %v", err)
	}
	fmt.Printf("当前迁移版本: %d\n", version)
}

func forceMigrationVersion(migrator *database.Migrator, version int) {
	log.Printf("强制设置迁移版本为: %d", version)
	if err := migrator.Force(version); err != nil {
		log.Fatalf("强制设置迁移版本失败: %v", err)
	}
	log.Println("迁移版本强制设置完成")
}
