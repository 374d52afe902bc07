// Package mirror maintains a deterministic multi-artifact mirror of a
// regulatory document: a summary page, the primary entry point, the canonical
// PDF and HTML renderings, and an alternate authoritative link. Each dated run
// applies per-artifact content gates before accepting a download, records
// entry-point evidence, compares against the latest prior run, and writes a
// trigger when drift is detected.
package mirror

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
	"github.com/mhaldre/driftseal/core/fetch"
	"github.com/mhaldre/driftseal/core/fsx"
	"github.com/mhaldre/driftseal/core/manifest"
	"github.com/mhaldre/driftseal/core/run"
	"github.com/mhaldre/driftseal/core/stablejson"
)

const (
	SummaryFileName          = "summary.html"
	EntryFileName            = "lsu_entry.html"
	PDFFileName              = "regulation.pdf"
	HTMLFileName             = "regulation.html"
	EliFileName              = "eli_oj.html"
	MetadataFileName         = "metadata.json"
	EntrypointStatusFileName = "entrypoint_status.json"
	TriggerFileName          = "digital_twin_trigger.json"
	FetchLogFileName         = "fetch.log"

	StatusComplete = "complete"
	StatusPartial  = "partial"

	TriggerType = "REGULATION_MIRROR_CHANGED"

	reasonPDFGate  = "pdf_unexpected_signature"
	reasonHTMLGate = "html_unexpected_content_type"

	defaultUserAgent = "driftseal-mirror/1.0 (audit-safe; contact: operator)"
	defaultTimeout   = 20 * time.Second
)

var pdfSignature = []byte("%PDF-")

// Document describes one mirrored regulatory document. The shipped default is
// the EU deforestation regulation; tests and other deployments inject their
// own URLs (file URLs work, keeping acquisition fully offline-testable).
type Document struct {
	Celex         string
	CanonicalName string
	SummaryURL    string
	EntryURL      string
	PDFURL        string
	HTMLURL       string
	EliURL        string
}

func DefaultDocument() Document {
	return Document{
		Celex:         "32023R1115",
		CanonicalName: "eudr_2023_1115",
		SummaryURL:    "https://eur-lex.europa.eu/EN/legal-content/summary/fighting-deforestation-and-forest-degradation.html",
		EntryURL:      "https://eur-lex.europa.eu/legal-content/EN/LSU/?uri=CELEX:32023R1115",
		PDFURL:        "https://eur-lex.europa.eu/legal-content/EN/TXT/PDF/?uri=CELEX:32023R1115",
		HTMLURL:       "https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=CELEX:32023R1115",
		EliURL:        "https://eur-lex.europa.eu/eli/reg/2023/1115/oj/eng",
	}
}

// HTMLMarker is the anchor string the canonical HTML rendering must contain
// to pass its content gate.
func (document Document) HTMLMarker() string {
	return "CELEX:" + document.Celex
}

// SourceRecord is one fetched artifact's deterministic record inside the
// mirror metadata.
type SourceRecord struct {
	ContentLength *int    `json:"content_length"`
	ContentType   *string `json:"content_type"`
	Error         *string `json:"error"`
	ETag          *string `json:"etag"`
	HTTPStatus    *int    `json:"http_status"`
	LastModified  *string `json:"last_modified"`
	Name          string  `json:"name"`
	SHA256        *string `json:"sha256"`
	URL           string  `json:"url"`
}

type ExtractedFields struct {
	ContentGateFailures []string `json:"content_gate_failures"`
	SummaryLastUpdate   *string  `json:"summary_last_update"`
}

// RunBlock is the volatile sub-record excluded from idempotency fingerprints.
type RunBlock struct {
	FinishedAtUTC   string `json:"finished_at_utc"`
	ProducerVersion string `json:"producer_version"`
	RunDate         string `json:"run_date"`
	StartedAtUTC    string `json:"started_at_utc"`
}

type Metadata struct {
	CanonicalName   string          `json:"canonical_name"`
	Celex           string          `json:"celex"`
	ExtractedFields ExtractedFields `json:"extracted_fields"`
	NeedsUpdate     bool            `json:"needs_update"`
	Run             *RunBlock       `json:"run,omitempty"`
	Sources         []SourceRecord  `json:"sources"`
	Status          string          `json:"status"`
}

// FallbackFingerprint is the secondary evidence used when the entry point is
// unreachable: content hash plus cache validators.
type FallbackFingerprint struct {
	ContentLength *int    `json:"content_length"`
	ContentType   *string `json:"content_type"`
	Error         *string `json:"error"`
	ETag          *string `json:"etag"`
	HTTPStatus    *int    `json:"http_status"`
	LastModified  *string `json:"last_modified"`
	SHA256        *string `json:"sha256"`
}

type EntrypointEvidence struct {
	EntrySHA256    *string                         `json:"lsu_entry_sha256,omitempty"`
	EntryUpdatedOn *string                         `json:"lsu_updated_on,omitempty"`
	Fallback       map[string]*FallbackFingerprint `json:"fallback,omitempty"`
}

type EntrypointStatus struct {
	Attempted     bool               `json:"attempted"`
	EntrypointURL string             `json:"entrypoint_url"`
	Error         *string            `json:"error"`
	Evidence      EntrypointEvidence `json:"evidence"`
	HTTPStatus    *int               `json:"http_status"`
	Reachable     bool               `json:"reachable"`
}

type Trigger struct {
	CurrentEntrySHA256  *string  `json:"current_lsu_sha256"`
	CurrentRun          string   `json:"current_run"`
	DocumentID          string   `json:"document_id"`
	Notes               string   `json:"notes"`
	PreviousEntrySHA256 *string  `json:"previous_lsu_sha256"`
	PreviousRun         *string  `json:"previous_run"`
	Reason              []string `json:"reason"`
	RequiresRerun       bool     `json:"requires_rerun"`
	TriggerType         string   `json:"trigger_type"`
}

type Options struct {
	OutBase         string
	RunDate         string
	Client          *fetch.Client
	Document        Document
	ProducerVersion string
}

type Outcome struct {
	RunDir      string
	Status      string
	State       State
	NeedsUpdate bool
	Reasons     []string
	PreviousRun string
}

// Run acquires all artifacts for one dated mirror run, seals the run
// directory, and reports the drift outcome against the latest prior run.
func Run(options Options) (Outcome, error) {
	if strings.TrimSpace(options.OutBase) == "" {
		return Outcome{}, coreerrors.Wrap(
			fmt.Errorf("mirror output base directory is required"),
			coreerrors.CategoryInvalidInput, "mirror_out_missing", "pass --out", false)
	}
	runDate := options.RunDate
	if runDate == "" {
		runDate = run.UTCToday()
	}
	if !run.IsRunDate(runDate) {
		return Outcome{}, coreerrors.Wrap(
			fmt.Errorf("run date must be YYYY-MM-DD, got %q", runDate),
			coreerrors.CategoryInvalidInput, "invalid_run_date", "pass --date YYYY-MM-DD", false)
	}
	document := options.Document
	if document.Celex == "" {
		document = DefaultDocument()
	}
	client := options.Client
	if client == nil {
		client = fetch.NewClient(defaultTimeout, defaultUserAgent)
	}

	runDir := filepath.Join(options.OutBase, runDate)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return Outcome{}, fmt.Errorf("create run directory: %w", err)
	}
	startedAt := time.Now().UTC().Format(time.RFC3339)

	summaryRecord := fetchArtifact(client, document, "summary", document.SummaryURL, filepath.Join(runDir, SummaryFileName))
	entryRecord := fetchArtifact(client, document, "lsu_entry", document.EntryURL, filepath.Join(runDir, EntryFileName))
	pdfRecord := fetchArtifact(client, document, "pdf", document.PDFURL, filepath.Join(runDir, PDFFileName))
	htmlRecord := fetchArtifact(client, document, "html", document.HTMLURL, filepath.Join(runDir, HTMLFileName))
	eliRecord := fetchArtifact(client, document, "eli_oj", document.EliURL, filepath.Join(runDir, EliFileName))
	records := []SourceRecord{summaryRecord, entryRecord, pdfRecord, htmlRecord, eliRecord}

	extracted := ExtractedFields{
		ContentGateFailures: gateFailures(records),
		SummaryLastUpdate:   extractFromStoredHTML(filepath.Join(runDir, SummaryFileName), lastUpdatePattern),
	}

	status := StatusComplete
	for _, record := range records {
		if record.Error != nil {
			status = StatusPartial
			break
		}
	}

	entrypoint := buildEntrypointStatus(document.EntryURL, entryRecord, runDir, pdfRecord, htmlRecord, eliRecord)
	if err := stablejson.WriteFile(filepath.Join(runDir, EntrypointStatusFileName), entrypoint); err != nil {
		return Outcome{}, err
	}

	reasons, previousRun, hasPrevious, previousEntrySHA := computeDrift(options.OutBase, runDate, entrypoint, extracted)
	needsUpdate := len(reasons) > 0
	state := classify(hasPrevious, entrypoint, previousRun, options.OutBase, extracted, reasons)

	if needsUpdate {
		trigger := Trigger{
			CurrentEntrySHA256:  entrypoint.Evidence.EntrySHA256,
			CurrentRun:          runDate,
			DocumentID:          document.CanonicalName,
			Notes:               "Mirrored regulation drifted; downstream compliance controls must rerun.",
			PreviousEntrySHA256: previousEntrySHA,
			PreviousRun:         optionalString(previousRun),
			Reason:              reasons,
			RequiresRerun:       true,
			TriggerType:         TriggerType,
		}
		if err := stablejson.WriteFile(filepath.Join(runDir, TriggerFileName), trigger); err != nil {
			return Outcome{}, err
		}
	}

	metadata := Metadata{
		CanonicalName:   document.CanonicalName,
		Celex:           document.Celex,
		ExtractedFields: extracted,
		NeedsUpdate:     needsUpdate,
		Sources:         records,
		Status:          status,
	}
	finishedAt := time.Now().UTC().Format(time.RFC3339)
	metadata.Run = &RunBlock{
		FinishedAtUTC:   finishedAt,
		ProducerVersion: options.ProducerVersion,
		RunDate:         runDate,
		StartedAtUTC:    startedAt,
	}
	preserveRunBlock(filepath.Join(runDir, MetadataFileName), &metadata)
	if err := stablejson.WriteFile(filepath.Join(runDir, MetadataFileName), metadata); err != nil {
		return Outcome{}, err
	}

	if err := writeFetchLog(runDir, records); err != nil {
		return Outcome{}, err
	}
	if _, err := manifest.Write(runDir, nil); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		RunDir:      runDir,
		Status:      status,
		State:       state,
		NeedsUpdate: needsUpdate,
		Reasons:     reasons,
		PreviousRun: previousRun,
	}, nil
}

// fetchArtifact retrieves one artifact and applies its content gate. Gated
// artifacts are discarded, never written: a PDF that does not start with the
// PDF signature or an HTML rendering without the canonical identifier is
// recorded as a named gate failure instead of stored as evidence.
func fetchArtifact(client *fetch.Client, document Document, name, rawURL, outPath string) SourceRecord {
	record := SourceRecord{Name: name, URL: rawURL}

	fetched, fetchErr := client.Fetch(rawURL)
	if fetchErr != nil {
		discardArtifact(outPath)
		record.HTTPStatus = optionalInt(fetchErr.Status)
		applyHeaders(&record, fetchErr.Headers)
		reason := fetchErr.Reason
		record.Error = &reason
		return record
	}
	record.HTTPStatus = optionalInt(fetched.Status)
	applyHeaders(&record, fetched.Headers)
	length := len(fetched.Body)
	record.ContentLength = &length

	switch name {
	case "pdf":
		if !bytes.HasPrefix(fetched.Body, pdfSignature) {
			discardArtifact(outPath)
			reason := "unexpected_signature"
			record.Error = &reason
			return record
		}
	case "html":
		if !bytes.Contains(fetched.Body, []byte(document.HTMLMarker())) {
			discardArtifact(outPath)
			reason := "unexpected_content_type"
			record.Error = &reason
			return record
		}
	}

	if err := fsx.WriteFileAtomic(outPath, fetched.Body, 0o644); err != nil {
		reason := "write_failed"
		record.Error = &reason
		return record
	}
	digest, err := manifest.SHA256File(outPath)
	if err != nil {
		reason := "hash_failed"
		record.Error = &reason
		return record
	}
	record.SHA256 = &digest
	if record.ContentType == nil {
		expected := expectedContentType(name)
		record.ContentType = &expected
	}
	return record
}

func expectedContentType(name string) string {
	if name == "pdf" {
		return "application/pdf"
	}
	return "text/html"
}

func applyHeaders(record *SourceRecord, headers map[string]string) {
	if value, exists := headers["content-type"]; exists {
		record.ContentType = &value
	}
	if value, exists := headers["etag"]; exists {
		record.ETag = &value
	}
	if value, exists := headers["last-modified"]; exists {
		record.LastModified = &value
	}
}

// discardArtifact also removes an artifact left over from an earlier attempt
// on the same date, so a gated download never resurfaces in the manifest.
func discardArtifact(path string) {
	_ = os.Remove(path)
}

func gateFailures(records []SourceRecord) []string {
	failures := make([]string, 0, 2)
	for _, record := range records {
		if record.Error == nil {
			continue
		}
		if record.Name == "pdf" && *record.Error == "unexpected_signature" {
			failures = append(failures, reasonPDFGate)
		}
		if record.Name == "html" && *record.Error == "unexpected_content_type" {
			failures = append(failures, reasonHTMLGate)
		}
	}
	sort.Strings(failures)
	return failures
}

func buildEntrypointStatus(entryURL string, entryRecord SourceRecord, runDir string, fallbackRecords ...SourceRecord) EntrypointStatus {
	status := EntrypointStatus{
		Attempted:     true,
		EntrypointURL: entryURL,
		Error:         entryRecord.Error,
		HTTPStatus:    entryRecord.HTTPStatus,
		Reachable:     isReachable(entryRecord),
	}
	if status.Reachable {
		storedPath := filepath.Join(runDir, EntryFileName)
		if digest, err := manifest.SHA256File(storedPath); err == nil {
			status.Evidence.EntrySHA256 = &digest
		}
		status.Evidence.EntryUpdatedOn = extractFromStoredHTML(storedPath, updatedOnPattern)
		return status
	}
	status.Evidence.Fallback = map[string]*FallbackFingerprint{}
	for _, record := range fallbackRecords {
		status.Evidence.Fallback[record.Name] = fallbackFingerprint(record)
	}
	return status
}

// isReachable treats a stored entry artifact as reachable evidence: HTTP 200,
// or a file fetch (no transport status at all).
func isReachable(record SourceRecord) bool {
	if record.Error != nil {
		return false
	}
	return record.HTTPStatus == nil || *record.HTTPStatus == 200
}

// fallbackFingerprint keeps secondary artifacts usable as drift evidence even
// when the primary entry point is down. The alternate authoritative link is
// always recorded; gated or failed canonical artifacts are recorded as absent.
func fallbackFingerprint(record SourceRecord) *FallbackFingerprint {
	if record.Name != "eli_oj" && (record.Error != nil || record.SHA256 == nil) {
		return nil
	}
	return &FallbackFingerprint{
		ContentLength: record.ContentLength,
		ContentType:   record.ContentType,
		Error:         record.Error,
		ETag:          record.ETag,
		HTTPStatus:    record.HTTPStatus,
		LastModified:  record.LastModified,
		SHA256:        record.SHA256,
	}
}

// preserveRunBlock keeps the volatile timestamps of the first successful
// invocation when the non-volatile metadata content is unchanged, so repeated
// no-op runs do not create spurious history.
func preserveRunBlock(metadataPath string, metadata *Metadata) {
	// #nosec G304 -- evidence paths are explicit caller input.
	existingRaw, err := os.ReadFile(metadataPath)
	if err != nil {
		return
	}
	existingFingerprint, err := stablejson.Fingerprint(existingRaw)
	if err != nil {
		return
	}
	newFingerprint, err := stablejson.FingerprintValue(metadata)
	if err != nil {
		return
	}
	if existingFingerprint != newFingerprint {
		return
	}
	var existing Metadata
	if unmarshalErr := stablejson.ReadFile(metadataPath, &existing); unmarshalErr != nil {
		return
	}
	if existing.Run == nil {
		return
	}
	metadata.Run.StartedAtUTC = existing.Run.StartedAtUTC
	metadata.Run.FinishedAtUTC = existing.Run.FinishedAtUTC
	metadata.Run.ProducerVersion = existing.Run.ProducerVersion
}

func writeFetchLog(runDir string, records []SourceRecord) error {
	failures := make([]SourceRecord, 0, len(records))
	for _, record := range records {
		if record.Error != nil {
			failures = append(failures, record)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(leftIndex, rightIndex int) bool {
		return failures[leftIndex].Name < failures[rightIndex].Name
	})
	var builder strings.Builder
	builder.WriteString("fetch_status=partial\n")
	for _, record := range failures {
		statusText := "none"
		if record.HTTPStatus != nil {
			statusText = fmt.Sprintf("%d", *record.HTTPStatus)
		}
		builder.WriteString(fmt.Sprintf("%s status=%s error=%s url=%s\n",
			record.Name, statusText, *record.Error, record.URL))
	}
	return fsx.WriteFileAtomic(filepath.Join(runDir, FetchLogFileName), []byte(builder.String()), 0o644)
}

func optionalInt(value int) *int {
	if value == 0 {
		return nil
	}
	return &value
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
