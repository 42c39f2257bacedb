package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"voicenotes/configs"
	"voicenotes/controllers"
	"voicenotes/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[WARN] No .env file found, using environment as-is")
	}
	cfg := configs.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := configs.ConnectDB(connectCtx, cfg.MongoURI)
	connectCancel()
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	log.Println("Connected to MongoDB")

	db := client.Database(cfg.MongoDatabase)
	if err := configs.SetupIndexes(db); err != nil {
		log.Printf("[WARN] Failed to setup indexes: %v (continuing anyway)", err)
	}

	transcriber := services.NewTranscriptionClient(cfg.TranscriberURL, cfg.FinalizeTimeout)
	directTranscriber := services.NewTranscriptionClient(cfg.TranscriberURL, cfg.TranscribeTimeout)
	processor := services.NewTextProcessorClient(cfg.ProcessorURL, cfg.TranscribeTimeout)
	recordings := services.NewRecordingService(db)
	reassembly := services.NewReassemblyService(cfg.TempDir, transcriber)

	queue := services.NewQueue(transcriber, processor, recordings, cfg.UploadDir)
	queue.Start()
	log.Println("Processing queue started")

	uploadCtl := controllers.NewUploadController(
		reassembly, queue, recordings, directTranscriber,
		cfg.ChunkUploadRate, cfg.ChunkUploadBurst,
	)
	recordingCtl := controllers.NewRecordingController(recordings)

	uploadCtl.RegisterRoutes(router)
	recordingCtl.RegisterRoutes(router)

	router.GET("/readyz", func(c *gin.Context) {
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer pingCancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	queue.Stop()

	if err := client.Disconnect(shutdownCtx); err != nil {
		log.Printf("Error disconnecting from MongoDB: %v", err)
	}

	log.Println("Server exited gracefully")
}
