package scamscope

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serplab/scamscope/analytics"
	"github.com/serplab/scamscope/httpmw"
	"github.com/serplab/scamscope/termstore"
)

// Routes builds the HTTP API. adminOnly guards the mutating admin
// endpoints; pass nil to leave them open (tests, trusted networks).
func (s *Service) Routes(adminOnly func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range httpmw.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"status":   "ok",
			"embedder": s.emb.Healthy(r.Context()),
		})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, s.Stats(r.Context()))
	})

	r.Get("/api/threats", func(w http.ResponseWriter, r *http.Request) {
		days := queryInt(r, "days", s.cfg.DefaultDays)
		page := queryInt(r, "page", 1)
		res, err := s.RankEmergingThreats(r.Context(), days, page)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Post("/api/classify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query   string   `json:"query"`
			Queries []string `json:"queries"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		switch {
		case len(req.Queries) > 0:
			_, classifier, _, _ := s.pipeline()
			results, err := classifier.ClassifyBatch(r.Context(), req.Queries)
			if err != nil {
				writeError(w, 502, err)
				return
			}
			writeJSON(w, 200, results)
		case req.Query != "":
			res, err := s.ClassifySemanticZone(r.Context(), req.Query)
			if err != nil {
				writeError(w, 502, err)
				return
			}
			writeJSON(w, 200, res)
		default:
			writeError(w, 400, fmt.Errorf("query or queries required"))
		}
	})

	r.Post("/api/convergence", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Current    analytics.QueryMetricRecord  `json:"current"`
			Previous   *analytics.QueryMetricRecord `json:"previous"`
			PeriodDays int                          `json:"periodDays"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if req.Current.Query == "" {
			writeError(w, 400, fmt.Errorf("current.query required"))
			return
		}
		cmp := analytics.NewComparison(req.Current, req.Previous)
		res, err := s.EvaluateConvergence(r.Context(), cmp, req.PeriodDays)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Get("/api/benchmarks", func(w http.ResponseWriter, r *http.Request) {
		days := queryInt(r, "days", s.cfg.DefaultDays)
		bench, err := s.Benchmarks(r.Context(), days)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, bench)
	})

	// Admin: vocabulary and threshold management.
	r.Group(func(r chi.Router) {
		if adminOnly != nil {
			r.Use(adminOnly)
		}

		r.Get("/api/admin/seed-phrases", func(w http.ResponseWriter, r *http.Request) {
			phrases, err := s.SeedPhrases(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if phrases == nil {
				phrases = []termstore.SeedPhrase{}
			}
			writeJSON(w, 200, phrases)
		})

		r.Post("/api/admin/seed-phrases", func(w http.ResponseWriter, r *http.Request) {
			var p termstore.SeedPhrase
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := s.AddSeedPhrase(r.Context(), actor(r), p); err != nil {
				writeError(w, 400, err)
				return
			}
			writeJSON(w, 201, p)
		})

		r.Delete("/api/admin/seed-phrases", func(w http.ResponseWriter, r *http.Request) {
			text := r.URL.Query().Get("text")
			if text == "" {
				writeError(w, 400, fmt.Errorf("text query parameter required"))
				return
			}
			if err := s.RemoveSeedPhrase(r.Context(), actor(r), text); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})

		r.Post("/api/admin/exemplars", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Category string `json:"category"`
				Text     string `json:"text"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := s.AddExemplar(r.Context(), actor(r), req.Category, req.Text); err != nil {
				writeError(w, 400, err)
				return
			}
			writeJSON(w, 201, req)
		})

		r.Post("/api/admin/patterns", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Pattern string `json:"pattern"`
				Note    string `json:"note"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := s.AddLegitimatePattern(r.Context(), actor(r), req.Pattern, req.Note); err != nil {
				writeError(w, 400, err)
				return
			}
			writeJSON(w, 201, req)
		})

		r.Get("/api/admin/overrides", func(w http.ResponseWriter, r *http.Request) {
			overrides, err := s.Overrides(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, overrides)
		})

		r.Put("/api/admin/overrides", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Name  string  `json:"name"`
				Value float64 `json:"value"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := s.SetOverride(r.Context(), actor(r), req.Name, req.Value); err != nil {
				writeError(w, 400, err)
				return
			}
			writeJSON(w, 200, map[string]any{"name": req.Name, "value": req.Value})
		})

		r.Post("/api/admin/analytics/import", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Rows []importRow `json:"rows"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			// Bad rows are skipped, not fatal: one malformed date must not
			// reject the rest of the batch.
			rows := make([]analytics.MetricRow, 0, len(req.Rows))
			skipped := 0
			for _, row := range req.Rows {
				day, err := time.Parse("2006-01-02", row.Date)
				if err != nil {
					s.logger.Warn("skipping analytics row with bad date",
						"query", row.Query, "date", row.Date)
					skipped++
					continue
				}
				rows = append(rows, analytics.MetricRow{
					Date:        day,
					Query:       row.Query,
					Impressions: row.Impressions,
					Clicks:      row.Clicks,
					Position:    row.Position,
				})
			}
			n, err := s.ImportMetrics(r.Context(), rows)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]int{"imported": n, "skipped": skipped})
		})

		r.Post("/api/admin/reload", func(w http.ResponseWriter, r *http.Request) {
			if err := s.Reload(r.Context()); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "reloaded"})
		})
	})

	return r
}

type importRow struct {
	Date        string  `json:"date"`
	Query       string  `json:"query"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Position    float64 `json:"position"`
}

// actor identifies the admin performing a mutation for the audit trail.
func actor(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	return "admin"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
