package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/storage"
)

const maxReadFile = 1 << 20

type writeFileAction struct {
	files storage.Store
}

func (a *writeFileAction) ID() string { return flow.ActionWriteFile }

func (a *writeFileAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.WriteFileConfig)
	if c.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	ct := storage.ContentTypeFor(c.Filename, c.ContentType)
	info, err := a.files.Put(ctx, c.Filename, ct, strings.NewReader(c.Content))
	if err != nil {
		return nil, err
	}
	return fileOutput(info), nil
}

type readFileAction struct {
	files storage.Store
}

func (a *readFileAction) ID() string { return flow.ActionReadFile }

func (a *readFileAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.ReadFileConfig)
	info, rc, err := a.files.Open(ctx, c.FileID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, maxReadFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.FileID, err)
	}
	out := fileOutput(info)
	out["content"] = string(raw)
	out["truncated"] = info.Size > maxReadFile
	return out, nil
}

// extractTextAction turns a stored PDF, spreadsheet or text file into plain
// text.
type extractTextAction struct {
	files storage.Store
}

func (a *extractTextAction) ID() string { return flow.ActionExtractText }

func (a *extractTextAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.ExtractTextConfig)
	info, rc, err := a.files.Open(ctx, c.FileID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	text, err := storage.ExtractText(info.ContentType, rc)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", info.Filename, err)
	}
	out := fileOutput(info)
	out["text"] = text
	return out, nil
}

type writeSheetAction struct {
	files storage.Store
}

func (a *writeSheetAction) ID() string { return flow.ActionWriteSheet }

func (a *writeSheetAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.WriteSheetConfig)
	name := c.Filename
	if name == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if !strings.HasSuffix(strings.ToLower(name), ".xlsx") {
		name += ".xlsx"
	}
	data, err := storage.BuildSheet(c.Sheet, c.Rows)
	if err != nil {
		return nil, err
	}
	info, err := a.files.Put(ctx, name, storage.MimeXLSX, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out := fileOutput(info)
	out["rows"] = len(c.Rows)
	return out, nil
}

func fileOutput(info *storage.FileInfo) map[string]any {
	return map[string]any{
		"fileId":      info.ID,
		"filename":    info.Filename,
		"contentType": info.ContentType,
		"size":        info.Size,
	}
}
