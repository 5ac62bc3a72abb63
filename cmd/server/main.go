// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"doc-qa-go/internal/config"
	"doc-qa-go/internal/handler"
	"doc-qa-go/internal/middleware"
	"doc-qa-go/internal/notify"
	"doc-qa-go/internal/pipeline"
	"doc-qa-go/internal/repository"
	"doc-qa-go/internal/service"
	"doc-qa-go/internal/store"
	"doc-qa-go/pkg/chunker"
	"doc-qa-go/pkg/database"
	"doc-qa-go/pkg/embedding"
	"doc-qa-go/pkg/es"
	"doc-qa-go/pkg/kafka"
	"doc-qa-go/pkg/llm"
	"doc-qa-go/pkg/log"
	"doc-qa-go/pkg/storage"
	"doc-qa-go/pkg/tika"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储、ES 与 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository 与组合存储
	docRepo := repository.NewDocumentRepository(database.DB)
	fragmentRepo := repository.NewFragmentRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(cfg.Conversation.Backend, cfg.Conversation.MaxTurns, database.RDB)
	fragmentStore := store.NewFragmentStore(fragmentRepo, cfg.Elasticsearch.IndexName)

	// 5. 初始化 Service (依赖注入)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	notifier := notify.NewRedisNotifier(database.RDB)
	documentService := service.NewDocumentService(docRepo, fragmentStore, kafka.ProduceIngestionJob, cfg.MinIO)
	searchService := service.NewSearchService(embeddingClient, fragmentStore, docRepo, cfg.Retrieval.TopK)
	chatService := service.NewChatService(searchService, llmClient, conversationRepo, cfg.Retrieval.TopK, cfg.LLM)

	// 6. 初始化文档摄取管道 (Processor)
	fetchObject := func(ctx context.Context, objectKey string) (io.ReadCloser, error) {
		return storage.GetObject(ctx, cfg.MinIO.BucketName, objectKey)
	}
	processor := pipeline.NewProcessor(
		tikaClient,
		embeddingClient,
		fragmentStore,
		docRepo,
		notifier,
		fetchObject,
		chunker.New(cfg.Chunking.MaxTokens, cfg.Chunking.OverlapTokens),
		cfg.Embedding.Model,
	)

	// 7. 启动后台 Kafka 消费者
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	go kafka.StartConsumer(consumerCtx, cfg.Kafka, cfg.Consumer, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		documents := apiV1.Group("/documents")
		{
			docHandler := handler.NewDocumentHandler(documentService)
			documents.POST("", docHandler.Upload)
			documents.GET("", docHandler.List)
			documents.GET("/:documentId", docHandler.Get)
			documents.DELETE("/:documentId", docHandler.Delete)
		}

		search := apiV1.Group("/search")
		{
			search.GET("", handler.NewSearchHandler(searchService).Search)
		}

		chat := apiV1.Group("/chat")
		{
			chatHandler := handler.NewChatHandler(chatService)
			chat.POST("/answer", chatHandler.Answer)
		}
	}
	// Chat 路由 (WebSocket)
	r.GET("/chat/ws", handler.NewChatHandler(chatService).Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 停掉消费者，等在途任务自然结束
	stopConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	kafka.CloseProducer()
	database.CloseRedis()
	database.CloseMySQL()
	log.Info("服务已退出")
}
