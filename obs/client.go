/*
Copyright 2022 The MASH Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package obs

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	buildRepository = "images"
	buildArch       = "x86_64"
)

// Binary is one entry of a build result's binary list.
type Binary struct {
	Name  string `xml:"filename,attr"`
	Size  int64  `xml:"size,attr"`
	MTime int64  `xml:"mtime,attr"`
}

type binaryList struct {
	XMLName  xml.Name `xml:"binarylist"`
	Binaries []Binary `xml:"binary"`
}

// packageMeta is the build service package metadata document. The lock
// element is the cooperative lock watchers take while inspecting a build.
type packageMeta struct {
	XMLName     xml.Name  `xml:"package"`
	Name        string    `xml:"name,attr"`
	Project     string    `xml:"project,attr"`
	Title       string    `xml:"title"`
	Description string    `xml:"description"`
	Lock        *metaLock `xml:"lock,omitempty"`
}

type metaLock struct {
	Enable *struct{} `xml:"enable"`
}

// Client talks to an open build service instance.
type Client struct {
	apiURL string
	http   *http.Client
}

// NewClient returns a build service client for the API endpoint. Requests
// are retried with backoff on transient failures.
func NewClient(apiURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 4
	rc.HTTPClient.Timeout = 5 * time.Minute
	return &Client{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		http:   rc.StandardClient(),
	}
}

func (c *Client) buildPath(project, pkg string, extra ...string) string {
	parts := append([]string{c.apiURL, "build", project, buildRepository, buildArch, pkg}, extra...)
	return strings.Join(parts, "/")
}

func (c *Client) metaPath(project, pkg string) string {
	return strings.Join([]string{c.apiURL, "source", project, pkg, "_meta"}, "/")
}

func (c *Client) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// BinaryList returns the binaries of the package's image build.
func (c *Client) BinaryList(ctx context.Context, project, pkg string) ([]Binary, error) {
	body, err := c.get(ctx, c.buildPath(project, pkg))
	if err != nil {
		return nil, fmt.Errorf("image lookup failed for %s/%s: %w", project, pkg, err)
	}
	defer body.Close()
	var list binaryList
	if err := xml.NewDecoder(body).Decode(&list); err != nil {
		return nil, fmt.Errorf("image lookup failed for %s/%s: %w", project, pkg, err)
	}
	return list.Binaries, nil
}

// DownloadBinary fetches one binary into dir, preserving the remote
// modification time, and returns the local path.
func (c *Client) DownloadBinary(ctx context.Context, project, pkg string, b Binary, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	body, err := c.get(ctx, c.buildPath(project, pkg, b.Name))
	if err != nil {
		return "", fmt.Errorf("image download failed for %s: %w", b.Name, err)
	}
	defer body.Close()
	target := filepath.Join(dir, b.Name)
	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("image download failed for %s: %w", b.Name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	mtime := time.Unix(b.MTime, 0)
	if err := os.Chtimes(target, mtime, mtime); err != nil {
		return "", err
	}
	return target, nil
}

// FetchPackages downloads and parses the build's image.packages manifest.
// Manifest lines are pipe separated: name|version|release|arch|checksum.
func (c *Client) FetchPackages(ctx context.Context, project, pkg string) (map[string]Package, error) {
	body, err := c.get(ctx, c.buildPath(project, pkg, packagesManifest))
	if err != nil {
		return nil, fmt.Errorf("package lookup failed for %s/%s: %w", project, pkg, err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("package lookup failed for %s/%s: %w", project, pkg, err)
	}
	return parsePackages(raw), nil
}

const packagesManifest = "image.packages"

func parsePackages(raw []byte) map[string]Package {
	packages := map[string]Package{}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		pkg := Package{
			Version: fields[1],
			Release: fields[2],
			Arch:    fields[3],
		}
		if len(fields) > 4 {
			pkg.Checksum = fields[4]
		}
		packages[fields[0]] = pkg
	}
	return packages
}

func (c *Client) getMeta(ctx context.Context, project, pkg string) (*packageMeta, error) {
	body, err := c.get(ctx, c.metaPath(project, pkg))
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var meta packageMeta
	if err := xml.NewDecoder(body).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) putMeta(ctx context.Context, project, pkg string, meta *packageMeta) error {
	raw, err := xml.Marshal(meta)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.metaPath(project, pkg), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PUT %s: status %d", c.metaPath(project, pkg), resp.StatusCode)
	}
	return nil
}

// Lock takes the cooperative package lock. It returns false without error
// when another actor already holds the lock.
func (c *Client) Lock(ctx context.Context, project, pkg string) (bool, error) {
	meta, err := c.getMeta(ctx, project, pkg)
	if err != nil {
		return false, fmt.Errorf("lock failed for %s/%s: %w", project, pkg, err)
	}
	if meta.Lock != nil {
		return false, nil
	}
	meta.Lock = &metaLock{Enable: &struct{}{}}
	if err := c.putMeta(ctx, project, pkg, meta); err != nil {
		return false, fmt.Errorf("lock failed for %s/%s: %w", project, pkg, err)
	}
	return true, nil
}

// Unlock releases the cooperative package lock. Releasing an unheld lock
// is a no-op.
func (c *Client) Unlock(ctx context.Context, project, pkg string) error {
	meta, err := c.getMeta(ctx, project, pkg)
	if err != nil {
		return fmt.Errorf("unlock failed for %s/%s: %w", project, pkg, err)
	}
	if meta.Lock == nil {
		return nil
	}
	meta.Lock = nil
	if err := c.putMeta(ctx, project, pkg, meta); err != nil {
		return fmt.Errorf("unlock failed for %s/%s: %w", project, pkg, err)
	}
	return nil
}
