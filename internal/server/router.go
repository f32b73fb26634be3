package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shopflow/internal/config"
	"shopflow/internal/dedup"
	"shopflow/internal/ledger"
	"shopflow/internal/log"
	"shopflow/internal/orders"
	"shopflow/internal/queue"
	"shopflow/internal/removal"
	"shopflow/internal/worker"
	"shopflow/internal/workshop"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
)

type Deps struct {
	DB       *sql.DB
	Redis    *redis.Client
	Store    *queue.Store
	Pool     *worker.Pool
	Ledger   *ledger.Ledger
	Removals *removal.Processor
	Subs     *removal.Store
	Notifier *workshop.Notifier
	Settings *workshop.Store
	Guard    *dedup.Guard
}

func SetupRouter(r *chi.Mux, cfg *config.Config, deps Deps) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.PingContext(r.Context()); err != nil {
			logger.Errorw("Database health check failed", "error", err)
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if deps.Redis != nil {
			if err := deps.Redis.Ping(r.Context()).Err(); err != nil {
				logger.Errorw("Redis health check failed", "error", err)
				http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/orders/paid", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "Failed to read body", http.StatusBadRequest)
				return
			}
			shop := r.Header.Get("X-Shopify-Shop-Domain")
			if !verifyWebhookHMAC(cfg.ShopifyWebhookSecret, body, r.Header.Get("X-Shopify-Hmac-Sha256")) {
				logger.Errorw("Webhook HMAC verification failed", "shop", shop)
				http.Error(w, "Invalid HMAC", http.StatusUnauthorized)
				return
			}

			// ack before enqueueing; Shopify retries on anything but a fast 200
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"received":true}`))

			var order struct {
				ID json.Number `json:"id"`
			}
			if err := json.Unmarshal(body, &order); err != nil || order.ID.String() == "" {
				logger.Errorw("Failed to parse webhook order", "shop", shop, "error", err)
				return
			}

			webhookID := r.Header.Get("X-Shopify-Webhook-Id")
			if webhookID != "" && deps.Guard.Seen(r.Context(), shop, "webhook", webhookID) {
				logger.Infow("Duplicate webhook delivery, skipping enqueue",
					"shop", shop, "webhook_id", webhookID)
				return
			}

			res, err := deps.Store.Enqueue(r.Context(), queue.EnqueueParams{
				Shop:       shop,
				Kind:       orders.KindOrderPaid,
				NaturalKey: order.ID.String(),
				Payload:    body,
				Delay:      cfg.WebhookEnqueueDelay,
			})
			if err != nil {
				logger.Errorw("Failed to enqueue order job", "shop", shop, "order", order.ID, "error", err)
				return
			}
			logger.Infow("Order webhook enqueued", "shop", shop, "order", order.ID,
				"inserted", res.Inserted, "duplicate", res.Duplicate)
		})
	})

	r.Route("/contracts", func(r chi.Router) {
		r.Use(flowSecretMiddleware(cfg.FlowSharedSecret, logger))
		r.Post("/updated", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Shop           string `json:"shop"`
				ShopDomain     string `json:"shopDomain"`
				ContractID     string `json:"contract_id"`
				Handle         string `json:"handle"`
				ContractHandle string `json:"contract_handle"`
				CustomerID     string `json:"customer_id"`
				LineVariantID  string `json:"line_variant_id"`
				Status         string `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}

			shop := firstNonEmpty(req.Shop, r.Header.Get("X-Shopify-Shop-Domain"), req.ShopDomain)
			handle := firstNonEmpty(req.Handle, req.ContractHandle)
			update := removal.ContractUpdate{
				Shop:          shop,
				ContractID:    firstNonEmpty(req.ContractID, removal.ContractIDFromHandle(handle)),
				CustomerID:    req.CustomerID,
				LineVariantID: req.LineVariantID,
				Handle:        handle,
				Status:        strings.ToUpper(strings.TrimSpace(req.Status)),
			}
			switch {
			case update.Shop == "":
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "shop_required"})
				return
			case update.ContractID == "":
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "contract_id_required"})
				return
			case update.CustomerID == "":
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "customer_id_required"})
				return
			case update.Status == "":
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "status_required"})
				return
			}

			// ack immediately; the flow times out fast and retries on non-200
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "received": true})

			ctx := context.WithoutCancel(r.Context())
			go func() {
				result, err := deps.Removals.ApplyContractStatus(ctx, update)
				if err != nil {
					logger.Errorw("Contract status update failed",
						"shop", update.Shop, "contract", update.ContractID, "error", err)
					return
				}
				logger.Infow("Contract status applied", "shop", update.Shop,
					"contract", update.ContractID, "status", update.Status, "action", result.Action)
			}()
		})
	})

	r.Route("/cron", func(r chi.Router) {
		r.Use(cronTokenMiddleware(cfg.CronToken, logger))
		r.Post("/workshop-notifications", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			stats, err := deps.Notifier.ProcessNotifications(r.Context())
			if err != nil {
				logger.Errorw("Workshop notification run failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":          true,
				"sent":        stats.Sent,
				"skipped":     stats.Skipped,
				"failed":      stats.Failed,
				"shops":       stats.Shops,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			depth, err := deps.Store.Stats(r.Context())
			if err != nil {
				logger.Errorw("Failed to read queue stats", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"queue":   depth,
				"workers": deps.Pool.Stats(),
			})
		})

		r.Post("/enqueue", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Shop       string          `json:"shop"`
				Kind       string          `json:"kind"`
				NaturalKey string          `json:"natural_key"`
				Payload    json.RawMessage `json:"payload"`
				DelaySec   int             `json:"delay_seconds"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.Shop == "" || req.Kind == "" || req.NaturalKey == "" {
				http.Error(w, "Missing shop, kind or natural_key", http.StatusBadRequest)
				return
			}
			res, err := deps.Store.Enqueue(r.Context(), queue.EnqueueParams{
				Shop:       req.Shop,
				Kind:       req.Kind,
				NaturalKey: req.NaturalKey,
				Payload:    req.Payload,
				Delay:      time.Duration(req.DelaySec) * time.Second,
			})
			if err != nil {
				logger.Errorw("Failed to enqueue job", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
			shop := r.URL.Query().Get("shop")
			kind := r.URL.Query().Get("kind")
			key := r.URL.Query().Get("key")
			if shop == "" || kind == "" || key == "" {
				http.Error(w, "Missing shop, kind or key", http.StatusBadRequest)
				return
			}
			job, err := deps.Store.GetByKey(r.Context(), shop, kind, key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, job)
		})

		r.Get("/actions", func(w http.ResponseWriter, r *http.Request) {
			shop := r.URL.Query().Get("shop")
			subject := r.URL.Query().Get("subject")
			if shop == "" || subject == "" {
				http.Error(w, "Missing shop or subject", http.StatusBadRequest)
				return
			}
			recs, err := deps.Ledger.ActionsFor(r.Context(), shop, subject)
			if err != nil {
				logger.Errorw("Failed to list actions", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, recs)
		})

		r.Route("/removals", func(r chi.Router) {
			r.Post("/", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Shop       string `json:"shop"`
					MonthStamp string `json:"month_stamp"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "Invalid request body", http.StatusBadRequest)
					return
				}
				if req.Shop == "" || req.MonthStamp == "" {
					http.Error(w, "Missing shop or month_stamp", http.StatusBadRequest)
					return
				}
				// pull this month's staged cancellations in before queueing the batch
				filterStats, err := deps.Subs.FilterCancelledToPrevious(r.Context(), req.Shop, req.MonthStamp)
				if err != nil {
					logger.Errorw("Failed to stage removal targets", "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				deps.Guard.Forget(r.Context(), req.Shop, removal.KindMonthlyRemoval, req.MonthStamp)
				job, err := deps.Removals.CreateJob(r.Context(), req.Shop, req.MonthStamp)
				if err != nil {
					logger.Errorw("Failed to create removal job", "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"ok":           true,
					"job":          job,
					"filter_stats": filterStats,
				})
			})

			r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
				shop := r.URL.Query().Get("shop")
				month := r.URL.Query().Get("month")
				if shop == "" || month == "" {
					http.Error(w, "Missing shop or month", http.StatusBadRequest)
					return
				}
				status, err := deps.Removals.Status(r.Context(), shop, month)
				if err != nil {
					logger.Errorw("Failed to read removal status", "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, status)
			})

			r.Post("/contract", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Shop          string `json:"shop"`
					ContractID    string `json:"contract_id"`
					CustomerID    string `json:"customer_id"`
					LineVariantID string `json:"line_variant_id"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "Invalid request body", http.StatusBadRequest)
					return
				}
				if req.Shop == "" || req.ContractID == "" || req.CustomerID == "" {
					http.Error(w, "Missing shop, contract_id or customer_id", http.StatusBadRequest)
					return
				}
				result, err := deps.Removals.ProcessSingle(r.Context(), req.Shop, req.ContractID, req.CustomerID, req.LineVariantID)
				if err != nil {
					logger.Errorw("Single contract removal failed", "contract", req.ContractID, "error", err)
					writeJSON(w, http.StatusInternalServerError, result)
					return
				}
				writeJSON(w, http.StatusOK, result)
			})
		})

		r.Route("/subs", func(r chi.Router) {
			r.Post("/import", func(w http.ResponseWriter, r *http.Request) {
				shop := r.URL.Query().Get("shop")
				if shop == "" {
					http.Error(w, "Missing shop", http.StatusBadRequest)
					return
				}
				if err := r.ParseMultipartForm(32 << 20); err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "no_file"})
					return
				}
				file, _, err := r.FormFile("file")
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "no_file"})
					return
				}
				defer file.Close()

				start := time.Now()
				rows, skipped, total, err := removal.ParseSubscriptionCSV(file)
				if err != nil {
					logger.Errorw("Subscription CSV parse failed", "shop", shop, "error", err)
					writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
					return
				}
				stats, err := deps.Subs.ImportSubscriptions(r.Context(), shop, rows)
				if err != nil {
					logger.Errorw("Subscription import failed", "shop", shop, "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				if len(skipped) > 20 {
					skipped = skipped[:20]
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"ok":           true,
					"total_parsed": total,
					"valid_rows":   len(rows),
					"stats":        stats,
					"skipped":      skipped,
					"duration_ms":  time.Since(start).Milliseconds(),
				})
			})

			r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
				shop := r.URL.Query().Get("shop")
				if shop == "" {
					http.Error(w, "Missing shop", http.StatusBadRequest)
					return
				}
				counts, err := deps.Subs.SubCounts(r.Context(), shop)
				if err != nil {
					logger.Errorw("Failed to count subs", "shop", shop, "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stats": counts})
			})

			r.Post("/clear", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Shop  string `json:"shop"`
					Table string `json:"table"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "Invalid request body", http.StatusBadRequest)
					return
				}
				if req.Shop == "" {
					http.Error(w, "Missing shop", http.StatusBadRequest)
					return
				}
				if req.Table != "active_subs" && req.Table != "currently_cancelled_subs" {
					writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_table"})
					return
				}
				deleted, err := deps.Subs.ClearSubs(r.Context(), req.Shop, req.Table)
				if err != nil {
					logger.Errorw("Failed to clear subs table", "shop", req.Shop, "table", req.Table, "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})
			})
		})

		r.Route("/workshops", func(r chi.Router) {
			r.Put("/settings", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Shop          string     `json:"shop"`
					WorkshopAt    *time.Time `json:"workshop_at"`
					NotifyOffsets []int      `json:"notify_offsets"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "Invalid request body", http.StatusBadRequest)
					return
				}
				if req.Shop == "" {
					http.Error(w, "Missing shop", http.StatusBadRequest)
					return
				}
				if err := deps.Settings.UpsertSettings(r.Context(), req.Shop, req.WorkshopAt, req.NotifyOffsets); err != nil {
					logger.Errorw("Failed to save workshop settings", "shop", req.Shop, "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Write([]byte("OK"))
			})

			r.Post("/broadcast", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Shop        string `json:"shop"`
					MonthStamp  string `json:"month_stamp"`
					TemplateKey string `json:"template_key"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "Invalid request body", http.StatusBadRequest)
					return
				}
				if req.Shop == "" || req.MonthStamp == "" {
					http.Error(w, "Missing shop or month_stamp", http.StatusBadRequest)
					return
				}
				stats, err := deps.Notifier.Broadcast(r.Context(), req.Shop, req.MonthStamp, req.TemplateKey)
				if err != nil {
					logger.Errorw("Workshop broadcast failed", "shop", req.Shop, "error", err)
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, stats)
			})
		})
	})
}

func verifyWebhookHMAC(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(header))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func cronTokenMiddleware(cronToken string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cronToken == "" {
				logger.Errorw("CRON_TOKEN not configured")
				writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "cron_token_not_configured"})
				return
			}
			token := r.Header.Get("X-Cron-Token")
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "missing_cron_token"})
				return
			}
			if subtleCompare(token, cronToken) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Errorw("Invalid cron token")
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid_cron_token"})
		})
	}
}

func subtleCompare(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// flowSecretMiddleware guards the contract intake route. An unconfigured
// secret leaves the route open; some flows cannot send custom headers.
func flowSecretMiddleware(secret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			if subtleCompare(r.Header.Get("X-Flow-Secret"), secret) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Errorw("Invalid flow secret")
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid_secret"})
		})
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Errorw("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Errorw("Invalid JWT token", "error", err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}
