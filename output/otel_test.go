package output

import (
	"testing"

	"hashsentry/config"

	otelLog "go.opentelemetry.io/otel/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

func findAttr(kvs []otelLog.KeyValue, key string) (otelLog.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return otelLog.Value{}, false
}

func TestResolveOtelEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "https://logs.example.test/v1/logs")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://fallback.example.test")

	cfg := &config.Config{OtelEndpoint: "  https://explicit.example.test  ", OtelFromEnv: true}
	if got := resolveOtelEndpoint(cfg); got != "https://explicit.example.test" {
		t.Fatalf("expected explicit endpoint, got %q", got)
	}

	cfg = &config.Config{OtelFromEnv: true}
	if got := resolveOtelEndpoint(cfg); got != "https://logs.example.test/v1/logs" {
		t.Fatalf("expected logs env endpoint, got %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	cfg = &config.Config{OtelFromEnv: true}
	if got := resolveOtelEndpoint(cfg); got != "https://fallback.example.test" {
		t.Fatalf("expected fallback env endpoint, got %q", got)
	}

	cfg = &config.Config{OtelFromEnv: false}
	if got := resolveOtelEndpoint(cfg); got != "" {
		t.Fatalf("expected empty endpoint when env fallback disabled, got %q", got)
	}
}

func TestSanitizePayloadDropsPaths(t *testing.T) {
	event := map[string]interface{}{
		"scan_id": "scan-1",
		"path":    "/srv/data/payload.bin",
		"name":    "payload.bin",
		"hash":    "abc",
	}
	sanitized, ok := sanitizePayload(RecordDirtyFile, event, otelPolicy{}).(map[string]interface{})
	if !ok {
		t.Fatal("expected sanitized dirty_file payload map")
	}
	if _, ok := sanitized["path"]; ok {
		t.Fatal("expected file path to be stripped")
	}
	if sanitized["name"] != "payload.bin" || sanitized["hash"] != "abc" {
		t.Fatalf("unexpected sanitized payload: %v", sanitized)
	}
	if _, ok := event["path"]; !ok {
		t.Fatal("expected original payload to remain unchanged")
	}

	summary := ScanSummary{ScanID: "scan-1", Root: "/srv"}
	sanitized, ok = sanitizePayload(RecordScanFinished, summary, otelPolicy{}).(map[string]interface{})
	if !ok {
		t.Fatal("expected sanitized summary map")
	}
	if _, ok := sanitized["root"]; ok {
		t.Fatal("expected scan root to be stripped")
	}

	kept := sanitizePayload(RecordDirtyFile, event, otelPolicy{includePaths: true}).(map[string]interface{})
	if kept["path"] != "/srv/data/payload.bin" {
		t.Fatal("expected path to survive when path export is enabled")
	}
}

func TestSemanticAttributesDirtyFile(t *testing.T) {
	payload := fileEvent("scan-1", sampleDirty())

	attrs := semanticAttributes(RecordDirtyFile, payload, otelPolicy{includePaths: true})
	if value, ok := findAttr(attrs, string(semconv.FilePathKey)); !ok || value.AsString() != "/srv/data/payload.bin" {
		t.Fatalf("expected file path semantic attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, string(semconv.FileExtensionKey)); !ok || value.AsString() != "bin" {
		t.Fatalf("expected file extension semantic attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, string(semconv.FileSizeKey)); !ok || value.AsInt64() != 42 {
		t.Fatalf("expected file size semantic attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "hashsentry.threat.label"); !ok || value.AsString() != "Trojan.Test" {
		t.Fatalf("expected threat label attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "hashsentry.file.hash"); !ok || value.AsString() != sampleDirty().Hash {
		t.Fatalf("expected hash attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "hashsentry.threat.virustotal_url"); !ok || value.AsString() != sampleDirty().VirusTotalURL {
		t.Fatalf("expected virustotal attribute, got %#v", value)
	}

	safe := sanitizePayload(RecordDirtyFile, payload, otelPolicy{})
	attrsNoPaths := semanticAttributes(RecordDirtyFile, safe, otelPolicy{})
	if _, ok := findAttr(attrsNoPaths, string(semconv.FilePathKey)); ok {
		t.Fatal("did not expect file path semantic attribute when paths are disabled")
	}
	if value, ok := findAttr(attrsNoPaths, string(semconv.FileNameKey)); !ok || value.AsString() != "payload.bin" {
		t.Fatalf("expected file name to survive path stripping, got %#v", value)
	}
}

func TestSemanticAttributesScanSummary(t *testing.T) {
	payload := ScanSummary{
		ScanID:          "scan-1",
		Root:            "/srv",
		FilesScanned:    10,
		Clean:           8,
		Dirty:           1,
		Errors:          1,
		DatabaseVersion: 7,
		DurationMS:      1500,
	}
	attrs := semanticAttributes(RecordScanFinished, payload, otelPolicy{})
	if value, ok := findAttr(attrs, "hashsentry.scan.files_scanned"); !ok || value.AsInt64() != 10 {
		t.Fatalf("expected files_scanned attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "hashsentry.scan.dirty"); !ok || value.AsInt64() != 1 {
		t.Fatalf("expected dirty attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "hashsentry.scan.state"); !ok || value.AsString() != "idle" {
		t.Fatalf("expected state attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "hashsentry.database.version"); !ok || value.AsInt64() != 7 {
		t.Fatalf("expected database version attribute, got %#v", value)
	}
	if _, ok := findAttr(attrs, "hashsentry.scan.root"); ok {
		t.Fatal("did not expect scan root when paths are disabled")
	}
}

func TestSemanticAttributesUpdate(t *testing.T) {
	payload := UpdateSummary{Success: true, Updated: true, PreviousVersion: 3, Version: 4, Entries: 100}
	attrs := semanticAttributes(RecordDatabaseUpdate, payload, otelPolicy{})
	if value, ok := findAttr(attrs, "hashsentry.database.updated"); !ok || !value.AsBool() {
		t.Fatalf("expected updated attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "hashsentry.database.entries"); !ok || value.AsInt64() != 100 {
		t.Fatalf("expected entries attribute, got %#v", value)
	}
}

func TestRecordSeverity(t *testing.T) {
	if sev, _ := recordSeverity(RecordDirtyFile); sev != otelLog.SeverityWarn {
		t.Fatalf("expected warn severity for dirty files, got %v", sev)
	}
	if sev, _ := recordSeverity(RecordErrorFile); sev != otelLog.SeverityError {
		t.Fatalf("expected error severity for failed files, got %v", sev)
	}
	if sev, _ := recordSeverity(RecordScanFinished); sev != otelLog.SeverityInfo {
		t.Fatalf("expected info severity for summaries, got %v", sev)
	}
}

func TestPayloadToMapFromStruct(t *testing.T) {
	data := payloadToMap(UpdateSummary{Version: 7, Error: "boom"})
	if data == nil {
		t.Fatal("expected payloadToMap to decode struct payload")
	}
	if got := getStringField(data, "error"); got != "boom" {
		t.Fatalf("expected error=boom, got %q", got)
	}
	if got, ok := getInt64Field(data, "version"); !ok || got != 7 {
		t.Fatalf("expected version=7, got %d (ok=%v)", got, ok)
	}
}

func TestToLogValueCompositeTypes(t *testing.T) {
	mapValue := toLogValue(map[string]string{"a": "b"})
	if mapValue.Kind() != otelLog.KindMap {
		t.Fatalf("expected map kind, got %v", mapValue.Kind())
	}
	intSliceValue := toLogValue([]int{1, 2, 3})
	if intSliceValue.Kind() != otelLog.KindSlice || len(intSliceValue.AsSlice()) != 3 {
		t.Fatalf("expected int slice kind/len, got kind=%v len=%d", intSliceValue.Kind(), len(intSliceValue.AsSlice()))
	}
	if empty := toLogValue(struct{}{}); empty.Kind() != otelLog.KindEmpty {
		t.Fatalf("expected empty kind for unsupported type, got %v", empty.Kind())
	}
}

func TestToLogKeyValuesSortedOrder(t *testing.T) {
	kvs := toLogKeyValues(map[string]interface{}{"zeta": 1, "alpha": 2, "middle": 3})
	if len(kvs) != 3 {
		t.Fatalf("expected 3 key values, got %d", len(kvs))
	}
	if kvs[0].Key != "alpha" || kvs[1].Key != "middle" || kvs[2].Key != "zeta" {
		t.Fatalf("expected sorted keys, got order %q, %q, %q", kvs[0].Key, kvs[1].Key, kvs[2].Key)
	}
}

func TestOtelLoggerEndpointAndValidation(t *testing.T) {
	var nilLogger *otelLogger
	if got := nilLogger.Endpoint(); got != "" {
		t.Fatalf("expected empty endpoint for nil logger, got %q", got)
	}
	nilLogger.Emit(RecordScanStarted, ScanStarted{})
	nilLogger.Shutdown()

	loggerNilCfg, err := newOtelLogger(nil)
	if err != nil || loggerNilCfg != nil {
		t.Fatalf("expected nil logger for nil config, got %v %v", loggerNilCfg, err)
	}

	_, err = newOtelLogger(&config.Config{
		OtelEndpoint:    "localhost:4318",
		OtelServiceName: "hashsentry",
		OtelTimeout:     1,
	})
	if err == nil {
		t.Fatal("expected validation error for endpoint without scheme")
	}
}
