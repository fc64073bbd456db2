package main

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func startServer(host, port string, logger *zap.Logger) {
	addr := fmt.Sprintf("%s:%s", host, port)
	logger.Info("listening", zap.String("addr", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           withCORS(http.DefaultServeMux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server_down", zap.Error(err))
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-admin-key")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h.ServeHTTP(w, r)
	})
}
