// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package tooling

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// AssetRegistry serves widget HTML/JS/CSS artifacts from a directory on
// disk, re-reading on every request so UI rebuilds propagate without a
// process restart, and advertises the same artifacts as MCP resource
// templates.
type AssetRegistry struct {
	dir string
}

// NewAssetRegistry constructs a registry rooted at dir.
func NewAssetRegistry(dir string) *AssetRegistry {
	return &AssetRegistry{dir: dir}
}

// ErrPathTraversal is returned by resolve when name escapes dir.
var ErrPathTraversal = errors.New("tooling: asset name escapes asset directory")

// resolve joins name onto the registry's root directory, rejecting any
// name that would escape it (".." segments, absolute paths).
func (a *AssetRegistry) resolve(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	full := filepath.Join(a.dir, clean)
	rel, err := filepath.Rel(a.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return full, nil
}

// Read loads name's contents fresh from disk.
func (a *AssetRegistry) Read(name string) ([]byte, error) {
	full, err := a.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// RegisterRoutes serves GET /assets/<name>: Content-Type by extension,
// no-store cache policy, 404 on traversal or missing file.
func (a *AssetRegistry) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/assets/*name", a.handle)
}

func (a *AssetRegistry) handle(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	if name == "" {
		c.Status(http.StatusNotFound)
		return
	}

	data, err := a.Read(name)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, contentType, data)
}

func widgetResourceURI(widget string) string {
	return "ui://widget/" + widget + ".html"
}
