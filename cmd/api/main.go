package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"carevault.org/internal/auth"
	"carevault.org/internal/httpapi"
	"carevault.org/internal/obs"
)

var version = "0.3.1"

func main() {
	obs.Init()

	dsn := os.Getenv("CAREVAULT_PG_DSN")
	if dsn == "" {
		log.Fatal("CAREVAULT_PG_DSN is required")
	}
	secret := []byte(os.Getenv("CAREVAULT_AUTH_SECRET"))
	if len(secret) == 0 {
		log.Fatal("CAREVAULT_AUTH_SECRET is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	issuer, err := auth.NewTokenIssuer(secret,
		envDuration("CAREVAULT_ACCESS_TTL", auth.DefaultAccessTTL),
		envDuration("CAREVAULT_REFRESH_TTL", auth.DefaultRefreshTTL))
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	opts := []auth.ServiceOption{
		auth.WithIdleTimeout(envDuration("CAREVAULT_IDLE_TIMEOUT", auth.DefaultIdleTimeout)),
		auth.WithMaxFailedAttempts(envInt("CAREVAULT_MAX_FAILED_ATTEMPTS", auth.DefaultMaxFailedAttempts)),
		auth.WithLockoutDuration(envDuration("CAREVAULT_LOCKOUT_DURATION", auth.DefaultLockoutDuration)),
	}
	if encoded := os.Getenv("CAREVAULT_FIELD_KEY"); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			log.Fatalf("decode field key: %v", err)
		}
		cipher, err := auth.NewFieldCipher(key)
		if err != nil {
			log.Fatalf("field cipher: %v", err)
		}
		opts = append(opts, auth.WithFieldCipher(cipher))
	}

	svc, err := auth.NewService(auth.NewPGStore(db), issuer, opts...)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              envStr("CAREVAULT_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	log.Printf("Starting carevault-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", envStr("CAREVAULT_GRPC_ADDR", ":9090"))
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	_ = db.Close()
	log.Println("Stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return n
}
