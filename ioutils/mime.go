package ioutils

// MIME type constants used by fsutils.LookupContentType and the codec
// package. Trimmed to the handful of extensions the ledger's diagnostic
// snapshot actually writes.
const (
	MimeTextPlain              string = "text/plain"
	MimeTextYAML               string = "text/yaml"
	MimeApplicationJSON        string = "application/json"
	MimeApplicationOctetStream string = "application/octet-stream"
)

var mapExtToMime = map[string]string{
	".txt":  MimeTextPlain,
	".yaml": MimeTextYAML,
	".yml":  MimeTextYAML,
	".json": MimeApplicationJSON,
}

// GetMimeFromExt returns the MIME type for the given file extension.
func GetMimeFromExt(ext string) string {
	return mapExtToMime[ext]
}
