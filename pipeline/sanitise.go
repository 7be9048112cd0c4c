package pipeline

import (
	"strings"

	"github.com/snapshotkit/exporter/records"
)

// newlineStripCollections are the (db, collection) pairs whose payloads
// get their unescaped \r and \n escape sequences removed for the
// benefit of a downstream parser.
var newlineStripCollections = map[[2]string]bool{
	{"penalties-and-deductions", "sanction"}:              true,
	{"core", "healthAndDisabilityDeclaration"}:            true,
	{"accepted-data", "healthAndDisabilityCircumstances"}: true,
}

// globalReplacer applies the substitutions every record gets: the
// target store disallows '$' in field names, NULs (raw and escaped)
// break the downstream parser, and archived fields are renamed on the
// way out. The archivedDateTime rename must run before the plain
// _archived rename.
var globalReplacer = strings.NewReplacer(
	"$", "d_",
	"\\u0000", "",
	"\x00", "",
	"_archivedDateTime", "_removedDateTime",
	"_archived", "_removed",
)

// Sanitiser rewrites payload text for downstream consumption. All its
// substitutions are idempotent.
type Sanitiser struct{}

// NewSanitiser creates the sanitise stage.
func NewSanitiser() *Sanitiser {
	return &Sanitiser{}
}

// Process applies the collection-specific and global substitutions to
// one decrypted record. It never skips or fails.
func (s *Sanitiser) Process(decrypted records.DecryptedRecord) Result[records.Record] {
	payload := decrypted.Payload
	if newlineStripCollections[[2]string{decrypted.Manifest.DB, decrypted.Manifest.Collection}] {
		payload = stripUnescapedNewlines(payload)
	}
	payload = globalReplacer.Replace(payload)

	return Ok(records.Record{Payload: payload, Manifest: decrypted.Manifest})
}

// stripUnescapedNewlines removes \r and \n escape sequences whose
// backslash is not itself escaped. A \\ pair is consumed whole so
// doubly-escaped sequences survive.
func stripUnescapedNewlines(payload string) string {
	var out strings.Builder
	out.Grow(len(payload))

	for i := 0; i < len(payload); {
		if payload[i] == '\\' && i+1 < len(payload) {
			switch payload[i+1] {
			case '\\':
				out.WriteString(payload[i : i+2])
				i += 2
				continue
			case 'r', 'n':
				i += 2
				continue
			}
		}
		out.WriteByte(payload[i])
		i++
	}
	return out.String()
}
