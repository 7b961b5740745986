package remote

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/deltas.json
var deltaSchemaJSON []byte

const deltaSchemaURL = "https://chatsync.local/schema/deltas.json"

func compileDeltaSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(deltaSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse delta schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(deltaSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add delta schema: %w", err)
	}
	sch, err := c.Compile(deltaSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile delta schema: %w", err)
	}
	return sch, nil
}

// FetchDeltas returns one page of changes after since. An empty cursor
// starts a new round; since = 0 asks for the full state.
func (c *Client) FetchDeltas(ctx context.Context, since int64, cursor string) (*model.DeltaPage, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/deltas"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	raw, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetch deltas: %w", err)
	}
	page, err := c.decodePage(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch deltas: %w", err)
	}
	return page, nil
}

// decodePage validates raw against the delta schema before decoding it.
func (c *Client) decodePage(raw []byte) (*model.DeltaPage, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &model.RemoteError{StatusCode: http.StatusOK, Code: "INVALID_PAYLOAD", Message: err.Error()}
	}
	if err := c.deltaSchema.Validate(inst); err != nil {
		return nil, &model.RemoteError{StatusCode: http.StatusOK, Code: "INVALID_PAYLOAD", Message: err.Error()}
	}
	var page model.DeltaPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &model.RemoteError{StatusCode: http.StatusOK, Code: "INVALID_PAYLOAD", Message: err.Error()}
	}
	return &page, nil
}
