package httpapi

import (
	"context"
	"encoding/csv"
	"net/http"
	"sort"
	"strings"
	"time"
)

// exportRecords streams the user's entries as CSV: one row per record, one
// column per question id seen across the export, answers by label where one
// exists.
func (s *Server) exportRecords(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	pollID := r.URL.Query().Get("poll_id")

	records, err := s.store.List(r.Context(), userID, pollID, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	columns := make(map[string]bool)
	for _, rec := range records {
		for _, a := range rec.Answers {
			columns[a.QuestionID] = true
		}
	}
	questionIDs := make([]string, 0, len(columns))
	for id := range columns {
		questionIDs = append(questionIDs, id)
	}
	sort.Strings(questionIDs)

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="records.csv"`)

	cw := csv.NewWriter(w)
	header := append([]string{"poll_id", "date_key", "created_at", "updated_at"}, questionIDs...)
	_ = cw.Write(header)
	for _, rec := range records {
		row := []string{
			rec.PollID,
			rec.DateKey,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		}
		for _, qid := range questionIDs {
			cell := ""
			if a := rec.Answer(qid); a != nil {
				cell = a.Value
				if a.Label != "" {
					cell = a.Label
				}
			}
			row = append(row, cell)
		}
		_ = cw.Write(row)
	}
	cw.Flush()
}

func bearerCredentials(r *http.Request) (userID, token string, ok bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", "", false
	}
	userID, token, ok = strings.Cut(strings.TrimPrefix(h, prefix), ":")
	return userID, token, ok && userID != "" && token != ""
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
