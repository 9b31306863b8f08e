package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/paymesh/backend/internal/models"
	"github.com/paymesh/backend/internal/storage"
	"github.com/paymesh/backend/pkg/logger"
)

// MaskToken replaces every sensitive value in captured snapshots.
const MaskToken = "[REDACTED]"

// A key is sensitive when it contains any of these substrings,
// case-insensitively, at any nesting depth.
var sensitiveKeyPatterns = []string{
	"password", "token", "otp", "pin", "secret", "apikey", "authorization",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(k, pattern) {
			return true
		}
	}
	return false
}

// MaskSensitive walks a decoded JSON value and replaces the value of
// every sensitive key, recursing through objects and arrays.
func MaskSensitive(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			if isSensitiveKey(key) {
				out[key] = MaskToken
			} else {
				out[key] = MaskSensitive(val)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = MaskSensitive(val)
		}
		return out
	default:
		return value
	}
}

// MaskBody parses a JSON request body and returns its masked form, or
// nil when the body is empty or not a JSON object.
func MaskBody(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	masked, _ := MaskSensitive(parsed).(map[string]interface{})
	return masked
}

// MaskQuery masks a flat query-parameter map.
func MaskQuery(params map[string]string) map[string]interface{} {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for key, val := range params {
		if isSensitiveKey(key) {
			out[key] = MaskToken
		} else {
			out[key] = val
		}
	}
	return out
}

var knownActions = map[string]string{
	"POST /api/auth/signup":                  "auth.signup",
	"POST /api/auth/signin":                  "auth.signin",
	"POST /api/auth/send-otp":                "auth.send-otp",
	"POST /api/auth/verify-otp":              "auth.verify-otp",
	"POST /api/auth/password-reset/request":  "auth.password-reset.request",
	"POST /api/auth/password-reset/verify":   "auth.password-reset.verify",
	"POST /api/auth/logout":                  "auth.logout",
	"GET /api/auth/me":                       "auth.me",
	"POST /api/admin/auth/signin":            "admin.auth.signin",
	"POST /api/admin/auth/send-otp":          "admin.auth.send-otp",
	"POST /api/admin/auth/verify-otp":        "admin.auth.verify-otp",
	"POST /api/admin/auth/logout":            "admin.auth.logout",
	"GET /api/admin/accounts":                "admin.accounts.list",
	"GET /api/admin/audit-logs":              "admin.audit-logs.list",
}

// DeriveAction tags a request from its method and path. Unrecognized
// paths fall back to a dotted form of the path with identifier-looking
// segments removed.
func DeriveAction(method, path string) string {
	if action, ok := knownActions[method+" "+path]; ok {
		return action
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "api" || looksLikeIdentifier(part) {
			continue
		}
		kept = append(kept, strings.ToLower(part))
	}
	if len(kept) == 0 {
		return strings.ToLower(method)
	}

	action := strings.Join(kept, ".")
	if method == http.MethodGet {
		action += ".view"
	}
	return action
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		digits := true
		for _, r := range segment {
			if r < '0' || r > '9' {
				digits = false
				break
			}
		}
		if digits {
			return true
		}
	}
	return len(segment) == 36 && strings.Count(segment, "-") == 4
}

const (
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	highFailedSignins     = 5
	criticalFailedSignins = 10
	highRateDenials       = 20
	criticalRateDenials   = 50
)

// SuspiciousSignal is one concentration of bad traffic found in a
// flushed batch. Signals are logged; durable alert storage belongs to
// the collaborating service layer.
type SuspiciousSignal struct {
	ClientIP string
	Reason   string
	Count    int
	Severity string
}

// AuditService queues completed-request entries and flushes them to the
// store in batches, off every request's critical path. A single atomic
// flag guards the flush cycle: entries arriving mid-cycle wait for the
// next one instead of spawning a second writer.
type AuditService struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient

	queue     chan models.AuditLog
	flushing  atomic.Bool
	dropped   atomic.Int64
	batchSize int
	done      chan struct{}
}

func NewAuditService(db *gorm.DB, storageClient *storage.MinIOClient, queueSize, batchSize int) *AuditService {
	if queueSize <= 0 {
		queueSize = 10000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &AuditService{
		DB:        db,
		Storage:   storageClient,
		queue:     make(chan models.AuditLog, queueSize),
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
}

// Record enqueues one entry and never blocks the caller: on a full
// queue the entry is dropped and counted instead.
func (s *AuditService) Record(row models.AuditLog) {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	select {
	case s.queue <- row:
		s.tryFlush()
	default:
		s.dropped.Add(1)
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  row.Action,
			"dropped": true,
		})
	}
}

// Dropped reports how many entries were lost to a full queue.
func (s *AuditService) Dropped() int64 {
	return s.dropped.Load()
}

func (s *AuditService) tryFlush() {
	if s.flushing.CompareAndSwap(false, true) {
		go func() {
			persisted := false
			defer func() {
				s.flushing.Store(false)
				// Only a successful cycle earns an immediate follow-up;
				// after a failed insert the requeued rows wait for the
				// ticker instead of spinning against a dead store.
				if persisted && len(s.queue) > 0 {
					s.tryFlush()
				}
			}()
			persisted = s.flushOnce()
		}()
	}
}

// flushOnce dequeues up to one batch, writes it in a single insert, and
// only on success hands it to the suspicious-activity scan. On failure
// the batch goes back on the queue for a later cycle. Reports whether
// the batch reached the store.
func (s *AuditService) flushOnce() bool {
	batch := make([]models.AuditLog, 0, s.batchSize)
drain:
	for len(batch) < s.batchSize {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return false
	}

	if err := s.DB.Create(&batch).Error; err != nil {
		logger.Error("audit_flush_failed", err, map[string]interface{}{
			"count": len(batch),
		})
		s.requeue(batch)
		return false
	}

	for _, signal := range scanBatch(batch) {
		s.reportSignal(signal)
	}
	return true
}

func (s *AuditService) requeue(batch []models.AuditLog) {
	for _, row := range batch {
		select {
		case s.queue <- row:
		default:
			s.dropped.Add(1)
			logger.Warn("audit_requeue_dropped", map[string]interface{}{
				"action": row.Action,
			})
		}
	}
}

type addressCounts struct {
	failedSignins int
	rateDenials   int
}

// scanBatch groups one flushed batch by client address and finds
// concentrations of failed sign-ins and rate-limit denials.
func scanBatch(batch []models.AuditLog) []SuspiciousSignal {
	byAddr := make(map[string]*addressCounts)
	for i := range batch {
		row := &batch[i]
		if row.ClientIP == "" {
			continue
		}
		counts := byAddr[row.ClientIP]
		if counts == nil {
			counts = &addressCounts{}
			byAddr[row.ClientIP] = counts
		}
		if row.Status == http.StatusUnauthorized && strings.HasSuffix(row.Action, "auth.signin") {
			counts.failedSignins++
		}
		if row.Status == http.StatusTooManyRequests {
			counts.rateDenials++
		}
	}

	var signals []SuspiciousSignal
	for addr, counts := range byAddr {
		if severity := gradeCount(counts.failedSignins, highFailedSignins, criticalFailedSignins); severity != "" {
			signals = append(signals, SuspiciousSignal{
				ClientIP: addr,
				Reason:   "failed_signins",
				Count:    counts.failedSignins,
				Severity: severity,
			})
		}
		if severity := gradeCount(counts.rateDenials, highRateDenials, criticalRateDenials); severity != "" {
			signals = append(signals, SuspiciousSignal{
				ClientIP: addr,
				Reason:   "rate_limit_denials",
				Count:    counts.rateDenials,
				Severity: severity,
			})
		}
	}
	return signals
}

func gradeCount(count, high, critical int) string {
	switch {
	case count >= critical:
		return SeverityCritical
	case count >= high:
		return SeverityHigh
	default:
		return ""
	}
}

func (s *AuditService) reportSignal(signal SuspiciousSignal) {
	details := map[string]interface{}{
		"clientIp": signal.ClientIP,
		"reason":   signal.Reason,
		"count":    signal.Count,
	}
	if signal.Severity == SeverityCritical {
		logger.Error("suspicious_activity_critical", nil, details)
	} else {
		logger.Warn("suspicious_activity_high", details)
	}
}

// Start runs the periodic flush ticker (so failed batches retry without
// waiting for new traffic) and the archive exporter when storage is
// configured.
func (s *AuditService) Start(flushInterval, archiveInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tryFlush()
			case <-s.done:
				return
			}
		}
	}()

	if s.Storage == nil {
		logger.Info("audit_archiver_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.archiveBatch()
			case <-s.done:
				return
			}
		}
	}()

	logger.Info("audit_archiver_started", map[string]interface{}{
		"interval": archiveInterval.String(),
	})
}

// Close stops the background cycles and drains whatever is queued.
func (s *AuditService) Close() {
	close(s.done)
	s.Drain()
}

// Drain flushes inline until the queue is empty, no cycle is in flight,
// or a cycle stops making progress (store down). Used at shutdown and
// by tests. Waiting on the in-flight cycle matters: a batch it already
// dequeued is not yet in the store.
func (s *AuditService) Drain() {
	for {
		if len(s.queue) == 0 {
			if !s.flushing.Load() {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !s.flushing.CompareAndSwap(false, true) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		before := len(s.queue)
		s.flushOnce()
		s.flushing.Store(false)
		if len(s.queue) >= before {
			return
		}
	}
}

// archiveBatch ships rows past the cursor to object storage as NDJSON
// and advances the cursor only after a successful upload.
func (s *AuditService) archiveBatch() {
	var cursor models.AuditArchiveCursor
	err := s.DB.First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cursor = models.AuditArchiveCursor{
				LastArchivedAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			if createErr := s.DB.Create(&cursor).Error; createErr != nil {
				logger.Error("audit_archive_cursor_create_failed", createErr, nil)
				return
			}
		} else {
			logger.Error("audit_archive_cursor_load_failed", err, nil)
			return
		}
	}

	var rows []models.AuditLog
	if err := s.DB.Where("created_at > ?", cursor.LastArchivedAt).
		Order("created_at ASC").
		Limit(10000).
		Find(&rows).Error; err != nil {
		logger.Error("audit_archive_query_failed", err, nil)
		return
	}
	if len(rows) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			logger.Error("audit_archive_encode_failed", err, map[string]interface{}{
				"id": row.ID.String(),
			})
			continue
		}
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("audit-archive/%s/%s.ndjson",
		now.Format("2006/01/02"),
		now.Format("15-04-05"),
	)

	if err := s.Storage.Upload(
		context.Background(),
		objectName,
		&buf,
		int64(buf.Len()),
		"application/x-ndjson",
	); err != nil {
		logger.Error("audit_archive_upload_failed", err, map[string]interface{}{
			"object": objectName,
			"count":  len(rows),
		})
		return
	}

	lastCreatedAt := rows[len(rows)-1].CreatedAt
	s.DB.Model(&cursor).Updates(map[string]interface{}{
		"last_archived_at": lastCreatedAt,
		"archived_count":   gorm.Expr("archived_count + ?", len(rows)),
	})

	logger.Info("audit_archive_success", map[string]interface{}{
		"object": objectName,
		"count":  len(rows),
	})
}
