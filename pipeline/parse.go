package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	"github.com/kavexo/fetchengine/pkg/models"
)

var (
	textContentType     = regexp.MustCompile(`(?i)^text/|xml|html|form-urlencoded`)
	jsonContentType     = regexp.MustCompile(`(?i)json`)
	formDataContentType = regexp.MustCompile(`(?i)multipart/form-data`)
	blobContentType     = regexp.MustCompile(`(?i)^(image|audio|video|font|application)/`)
)

// detectParseType implements §4.7 step 8's content-type fallback tables.
// A response with no content-type falls back to defaultType; a response
// that does carry a content-type but matches none of the tables fails
// with an unknownContentTypeError rather than silently guessing
// defaultType (§4.7 step 8: "on unknown content-type, fail with a parse
// error").
func detectParseType(contentType string, defaultType models.ParseType) (models.ParseType, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	if mediaType == "" {
		return defaultType, nil
	}
	switch {
	case jsonContentType.MatchString(mediaType):
		return models.ParseJSON, nil
	case formDataContentType.MatchString(mediaType):
		return models.ParseFormData, nil
	case textContentType.MatchString(mediaType):
		return models.ParseText, nil
	case blobContentType.MatchString(mediaType):
		return models.ParseBlob, nil
	default:
		return "", &unknownContentTypeError{contentType}
	}
}

// parseBody reads and decodes resp's body per parseType (§4.7 step 8).
// For json: empty body parses to nil rather than erroring ("parse if
// non-empty else null"). Parse failures are returned as plain errors;
// the caller attaches step='parse' and the response's HTTP status (999
// only when that status is 0).
func parseBody(resp *http.Response, parseType models.ParseType) (value any, contentType string, err error) {
	contentType = resp.Header.Get("Content-Type")
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contentType, err
	}

	switch parseType {
	case models.ParseJSON:
		if len(bytesTrimSpace(raw)) == 0 {
			return nil, contentType, nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, contentType, err
		}
		return v, contentType, nil
	case models.ParseText:
		return string(raw), contentType, nil
	case models.ParseBlob, models.ParseArrayBuffer:
		return raw, contentType, nil
	case models.ParseFormData:
		return parseFormData(raw, contentType)
	default:
		return nil, contentType, &unknownContentTypeError{contentType}
	}
}

func parseFormData(raw []byte, contentType string) (any, string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(raw), contentType, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return string(raw), contentType, nil
	}
	reader := multipart.NewReader(bytes.NewReader(raw), boundary)
	form := map[string]any{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, contentType, err
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, contentType, err
		}
		form[part.FormName()] = string(data)
	}
	return form, contentType, nil
}

func bytesTrimSpace(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}

type unknownContentTypeError struct {
	contentType string
}

func (e *unknownContentTypeError) Error() string {
	return "pipeline: unrecognized content-type " + e.contentType
}
