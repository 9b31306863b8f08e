package services

import (
	"net/http"
	"testing"
	"time"

	"github.com/paymesh/backend/internal/models"
)

func TestMaskSensitiveNestedValues(t *testing.T) {
	input := map[string]interface{}{
		"email":       "pat@example.com",
		"password":    "hunter2-original",
		"apiKeyValue": "k-91823",
		"card": map[string]interface{}{
			"pin":   "0000",
			"last4": "4242",
		},
		"attempts": []interface{}{
			map[string]interface{}{"otpCode": "123456", "channel": "sms"},
		},
	}

	masked, ok := MaskSensitive(input).(map[string]interface{})
	if !ok {
		t.Fatal("expected a masked object back")
	}

	if masked["email"] != "pat@example.com" {
		t.Fatalf("email should survive masking, got %v", masked["email"])
	}
	if masked["password"] != MaskToken {
		t.Fatalf("password not masked: %v", masked["password"])
	}
	if masked["apiKeyValue"] != MaskToken {
		t.Fatalf("apiKeyValue not masked: %v", masked["apiKeyValue"])
	}

	card := masked["card"].(map[string]interface{})
	if card["pin"] != MaskToken {
		t.Fatalf("nested pin not masked: %v", card["pin"])
	}
	if card["last4"] != "4242" {
		t.Fatalf("nested last4 should survive, got %v", card["last4"])
	}

	attempt := masked["attempts"].([]interface{})[0].(map[string]interface{})
	if attempt["otpCode"] != MaskToken {
		t.Fatalf("otpCode inside array not masked: %v", attempt["otpCode"])
	}
	if attempt["channel"] != "sms" {
		t.Fatalf("channel should survive, got %v", attempt["channel"])
	}

	// The middleware hands the same decoded body to the store; masking
	// must not write through to it.
	if input["password"] != "hunter2-original" {
		t.Fatal("masking mutated the input map")
	}

	if got := MaskSensitive("plain"); got != "plain" {
		t.Fatalf("scalar should pass through, got %v", got)
	}
}

func TestMaskBody(t *testing.T) {
	t.Run("json object", func(t *testing.T) {
		masked := MaskBody([]byte(`{"password":"x","amount":125.5}`))
		if masked == nil {
			t.Fatal("expected a masked body")
		}
		if masked["password"] != MaskToken {
			t.Fatalf("password not masked: %v", masked["password"])
		}
		if masked["amount"] != 125.5 {
			t.Fatalf("amount should survive, got %v", masked["amount"])
		}
	})

	t.Run("empty body", func(t *testing.T) {
		if masked := MaskBody(nil); masked != nil {
			t.Fatalf("expected nil for empty body, got %v", masked)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		if masked := MaskBody([]byte("{not-json")); masked != nil {
			t.Fatalf("expected nil for malformed body, got %v", masked)
		}
	})

	t.Run("non-object json", func(t *testing.T) {
		if masked := MaskBody([]byte(`[1,2,3]`)); masked != nil {
			t.Fatalf("expected nil for a json array, got %v", masked)
		}
	})
}

func TestMaskQuery(t *testing.T) {
	masked := MaskQuery(map[string]string{
		"token":    "abc123",
		"merchant": "main-street",
	})
	if masked["token"] != MaskToken {
		t.Fatalf("token parameter not masked: %v", masked["token"])
	}
	if masked["merchant"] != "main-street" {
		t.Fatalf("merchant parameter should survive, got %v", masked["merchant"])
	}

	if got := MaskQuery(nil); got != nil {
		t.Fatalf("expected nil for no parameters, got %v", got)
	}
}

func TestDeriveAction(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"known signin", "POST", "/api/auth/signin", "auth.signin"},
		{"known audit list", "GET", "/api/admin/audit-logs", "admin.audit-logs.list"},
		{"public id stripped", "PATCH", "/api/admin/accounts/12345678/status", "admin.accounts.status"},
		{"get fallback gains view", "GET", "/api/payouts/summary", "payouts.summary.view"},
		{"uuid stripped", "GET", "/api/transfers/0b0e8b9a-3f44-41f7-90a4-0f2c9f3a7f11", "transfers.view"},
		{"only identifiers left", "POST", "/api/12345678", "post"},
		{"mixed case lowered", "POST", "/api/Webhooks/Stripe", "webhooks.stripe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveAction(tc.method, tc.path); got != tc.want {
				t.Fatalf("DeriveAction(%s, %s) = %q, want %q", tc.method, tc.path, got, tc.want)
			}
		})
	}
}

func TestLooksLikeIdentifier(t *testing.T) {
	cases := []struct {
		segment string
		want    bool
	}{
		{"12345678", true},
		{"00000000", true},
		{"1234567", false},
		{"123a5678", false},
		{"0b0e8b9a-3f44-41f7-90a4-0f2c9f3a7f11", true},
		{"summary", false},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
	}
	for _, tc := range cases {
		if got := looksLikeIdentifier(tc.segment); got != tc.want {
			t.Fatalf("looksLikeIdentifier(%q) = %v, want %v", tc.segment, got, tc.want)
		}
	}
}

func signinFailure(addr string) models.AuditLog {
	return models.AuditLog{ClientIP: addr, Status: http.StatusUnauthorized, Action: "auth.signin"}
}

func rateDenial(addr string) models.AuditLog {
	return models.AuditLog{ClientIP: addr, Status: http.StatusTooManyRequests, Action: "auth.send-otp"}
}

func repeatRows(n int, build func(string) models.AuditLog, addr string) []models.AuditLog {
	rows := make([]models.AuditLog, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, build(addr))
	}
	return rows
}

func TestScanBatchSignals(t *testing.T) {
	t.Run("below thresholds stays quiet", func(t *testing.T) {
		batch := append(repeatRows(4, signinFailure, "203.0.113.1"),
			repeatRows(19, rateDenial, "203.0.113.1")...)
		if signals := scanBatch(batch); len(signals) != 0 {
			t.Fatalf("expected no signals, got %+v", signals)
		}
	})

	t.Run("failed signins graded", func(t *testing.T) {
		signals := scanBatch(repeatRows(5, signinFailure, "203.0.113.2"))
		if len(signals) != 1 {
			t.Fatalf("expected one signal, got %+v", signals)
		}
		s := signals[0]
		if s.Reason != "failed_signins" || s.Count != 5 || s.Severity != SeverityHigh {
			t.Fatalf("unexpected signal %+v", s)
		}

		signals = scanBatch(repeatRows(10, signinFailure, "203.0.113.2"))
		if len(signals) != 1 || signals[0].Severity != SeverityCritical {
			t.Fatalf("expected a critical signal, got %+v", signals)
		}
	})

	t.Run("admin signins count toward the same address", func(t *testing.T) {
		batch := repeatRows(3, signinFailure, "203.0.113.3")
		for i := 0; i < 2; i++ {
			batch = append(batch, models.AuditLog{
				ClientIP: "203.0.113.3",
				Status:   http.StatusUnauthorized,
				Action:   "admin.auth.signin",
			})
		}
		signals := scanBatch(batch)
		if len(signals) != 1 || signals[0].Count != 5 {
			t.Fatalf("expected one signal counting both doors, got %+v", signals)
		}
	})

	t.Run("rate denials graded", func(t *testing.T) {
		signals := scanBatch(repeatRows(20, rateDenial, "203.0.113.4"))
		if len(signals) != 1 {
			t.Fatalf("expected one signal, got %+v", signals)
		}
		s := signals[0]
		if s.Reason != "rate_limit_denials" || s.Severity != SeverityHigh {
			t.Fatalf("unexpected signal %+v", s)
		}

		signals = scanBatch(repeatRows(50, rateDenial, "203.0.113.4"))
		if len(signals) != 1 || signals[0].Severity != SeverityCritical {
			t.Fatalf("expected a critical signal, got %+v", signals)
		}
	})

	t.Run("other 401s are not signin failures", func(t *testing.T) {
		batch := make([]models.AuditLog, 0, 10)
		for i := 0; i < 10; i++ {
			batch = append(batch, models.AuditLog{
				ClientIP: "203.0.113.5",
				Status:   http.StatusUnauthorized,
				Action:   "auth.verify-otp",
			})
		}
		if signals := scanBatch(batch); len(signals) != 0 {
			t.Fatalf("expected no signals, got %+v", signals)
		}
	})

	t.Run("unknown addresses are skipped", func(t *testing.T) {
		if signals := scanBatch(repeatRows(10, signinFailure, "")); len(signals) != 0 {
			t.Fatalf("expected no signals for blank addresses, got %+v", signals)
		}
	})

	t.Run("addresses graded independently", func(t *testing.T) {
		batch := append(repeatRows(5, signinFailure, "203.0.113.6"),
			repeatRows(4, signinFailure, "203.0.113.7")...)
		signals := scanBatch(batch)
		if len(signals) != 1 || signals[0].ClientIP != "203.0.113.6" {
			t.Fatalf("expected one signal for the loud address only, got %+v", signals)
		}
	})
}

func TestAuditServiceRecordAndDrain(t *testing.T) {
	db := openTestDB(t)
	svc := NewAuditService(db, nil, 64, 8)

	for i := 0; i < 20; i++ {
		svc.Record(models.AuditLog{
			SessionID: "session-record-test",
			ClientIP:  "203.0.113.9",
			Method:    "GET",
			Path:      "/api/auth/me",
			Status:    http.StatusOK,
			Action:    "auth.me",
		})
	}
	svc.Drain()

	var count int64
	if err := db.Model(&models.AuditLog{}).Count(&count).Error; err != nil {
		t.Fatalf("failed counting audit rows: %v", err)
	}
	if count != 20 {
		t.Fatalf("expected 20 persisted rows, got %d", count)
	}
	if svc.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", svc.Dropped())
	}

	var row models.AuditLog
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("failed loading a row: %v", err)
	}
	if row.CreatedAt.IsZero() {
		t.Fatal("Record must stamp rows that arrive without a timestamp")
	}
}

func TestAuditServiceQueueFullDrops(t *testing.T) {
	db := openTestDB(t)
	svc := NewAuditService(db, nil, 2, 8)

	// Fill the queue without triggering a flush, then push one more
	// through the public path.
	svc.queue <- models.AuditLog{SessionID: "s", Action: "auth.me"}
	svc.queue <- models.AuditLog{SessionID: "s", Action: "auth.me"}
	svc.Record(models.AuditLog{SessionID: "s", Action: "auth.me"})

	if svc.Dropped() != 1 {
		t.Fatalf("expected one dropped entry, got %d", svc.Dropped())
	}

	svc.Drain()
	var count int64
	if err := db.Model(&models.AuditLog{}).Count(&count).Error; err != nil {
		t.Fatalf("failed counting audit rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected the 2 queued rows persisted, got %d", count)
	}
}

func TestAuditServiceFlushFailureKeepsRows(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrator().DropTable(&models.AuditLog{}); err != nil {
		t.Fatalf("failed dropping audit table: %v", err)
	}

	svc := NewAuditService(db, nil, 64, 8)
	svc.Record(models.AuditLog{SessionID: "outage", Action: "auth.signin", Status: http.StatusOK})
	svc.Record(models.AuditLog{SessionID: "outage", Action: "auth.me", Status: http.StatusOK})

	// With the store down Drain gives up without losing anything.
	svc.Drain()
	if svc.Dropped() != 0 {
		t.Fatalf("a failed flush must requeue, not drop; dropped=%d", svc.Dropped())
	}

	if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
		t.Fatalf("failed restoring audit table: %v", err)
	}
	svc.Drain()

	var count int64
	if err := db.Model(&models.AuditLog{}).Count(&count).Error; err != nil {
		t.Fatalf("failed counting audit rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both rows persisted after recovery, got %d", count)
	}
}

func TestArchiveCursorBootstrap(t *testing.T) {
	db := openTestDB(t)
	svc := NewAuditService(db, nil, 8, 4)

	// No rows to ship: the first pass only seeds the cursor at the epoch.
	svc.archiveBatch()

	var cursor models.AuditArchiveCursor
	if err := db.First(&cursor).Error; err != nil {
		t.Fatalf("expected a bootstrap cursor: %v", err)
	}
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if !cursor.LastArchivedAt.Equal(epoch) {
		t.Fatalf("cursor starts at %v, want %v", cursor.LastArchivedAt, epoch)
	}
	if cursor.ArchivedCount != 0 {
		t.Fatalf("nothing was archived, count=%d", cursor.ArchivedCount)
	}

	svc.archiveBatch()
	var cursors int64
	if err := db.Model(&models.AuditArchiveCursor{}).Count(&cursors).Error; err != nil {
		t.Fatalf("failed counting cursors: %v", err)
	}
	if cursors != 1 {
		t.Fatalf("expected a single cursor row, got %d", cursors)
	}
}
