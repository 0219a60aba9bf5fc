// Copyright (c) 2022 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseAndNormalizeBaseURL parses a homeserver or identity server base URL. URLs without a scheme are assumed to be https.
func ParseAndNormalizeBaseURL(baseURL string) (*url.URL, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	parsed.RawPath = parsed.EscapedPath()
	return parsed, nil
}

func pathSegment(part any) string {
	switch typed := part.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

// BuildURL appends path segments to the base URL. Each segment is escaped individually,
// so segments containing slashes stay a single segment.
func BuildURL(baseURL *url.URL, path ...any) *url.URL {
	built := *baseURL
	var decoded, escaped strings.Builder
	decoded.WriteString(strings.TrimSuffix(built.Path, "/"))
	escaped.WriteString(strings.TrimSuffix(built.RawPath, "/"))
	for _, part := range path {
		segment := pathSegment(part)
		decoded.WriteByte('/')
		decoded.WriteString(segment)
		escaped.WriteByte('/')
		escaped.WriteString(url.PathEscape(segment))
	}
	built.Path = decoded.String()
	built.RawPath = escaped.String()
	return &built
}

// ClientURLPath is a list of path segments under /_matrix/client.
type ClientURLPath []any

// BuildClientURL builds a URL under the /_matrix/client prefix of the homeserver.
func (cli *Client) BuildClientURL(urlPath ...any) string {
	return cli.BuildURLWithQuery(urlPath, nil)
}

// BuildURLWithQuery builds a URL under the /_matrix/client prefix with query parameters.
func (cli *Client) BuildURLWithQuery(urlPath ClientURLPath, urlQuery map[string]string) string {
	built := BuildURL(cli.HomeserverURL, append(ClientURLPath{"_matrix", "client"}, urlPath...)...)
	if len(urlQuery) > 0 {
		query := url.Values{}
		for key, value := range urlQuery {
			query.Set(key, value)
		}
		built.RawQuery = query.Encode()
	}
	return built.String()
}
