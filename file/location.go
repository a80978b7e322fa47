// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package file

import (
	"strconv"
	"strings"

	"github.com/basinlabs/stream/errors"
)

// Location is the parsed, structured form of a URI string: a closed
// set of backend-specific value types, one per supported scheme.
// ParseLocation returns the concrete type matching the URI's scheme;
// callers that need structured access (rather than an opaque path
// string) type-switch on the result.
type Location interface{ isLocation() }

// LocalLocation addresses a path on the local filesystem. It is also
// what ParseLocation returns for any string with no recognizable
// "scheme://" prefix.
type LocalLocation struct{ Path string }

// HTTPLocation addresses a resource fetched or posted over HTTP(S).
// Headers and authentication are not parsed out of the URL; callers
// supply them as Options to Open/Create.
type HTTPLocation struct{ URL string }

// SSHLocation addresses a path on a remote host reachable over SFTP.
type SSHLocation struct {
	User, Host string
	Port       int
	Password   string
	Path       string
}

// S3Location addresses an S3 (or S3-compatible) object.
type S3Location struct {
	Bucket, Key          string
	AccessKey, SecretKey string
	EndpointHost         string
	EndpointPort         int
	VersionID            string
}

// GCSLocation addresses a Google Cloud Storage object.
type GCSLocation struct{ Bucket, Blob string }

// HDFSLocation addresses a path on an HDFS cluster reached through
// the native protocol.
type HDFSLocation struct{ Path string }

// WebHDFSLocation addresses a path on an HDFS cluster reached through
// the WebHDFS REST gateway.
type WebHDFSLocation struct {
	Host string
	Port int
	Path string
}

func (LocalLocation) isLocation()   {}
func (HTTPLocation) isLocation()    {}
func (SSHLocation) isLocation()     {}
func (S3Location) isLocation()      {}
func (GCSLocation) isLocation()     {}
func (HDFSLocation) isLocation()    {}
func (WebHDFSLocation) isLocation() {}

// ParseLocation parses uri into a Location. A uri with no recognized
// "scheme://" prefix is treated as a LocalLocation, per ParsePath.
// It returns an error of kind errors.MalformedUri when the scheme is
// recognized but required fields cannot be extracted, and
// errors.UnsupportedScheme when the scheme itself has no backend.
func ParseLocation(uri string) (Location, error) {
	scheme, suffix, err := ParsePath(uri)
	if err != nil {
		return nil, errors.E(errors.MalformedUri, uri, err)
	}
	switch strings.ToLower(scheme) {
	case "":
		return LocalLocation{Path: suffix}, nil
	case "file":
		return LocalLocation{Path: suffix}, nil
	case "http", "https":
		return HTTPLocation{URL: uri}, nil
	case "s3", "s3a", "s3n", "s3u":
		return parseS3Location(uri, suffix)
	case "gs":
		return parseGCSLocation(uri, suffix)
	case "hdfs":
		return HDFSLocation{Path: suffix}, nil
	case "webhdfs":
		return parseWebHDFSLocation(uri, suffix)
	case "ssh", "scp", "sftp":
		return parseSSHLocation(uri, suffix)
	default:
		return nil, errors.E(errors.UnsupportedScheme, uri, "scheme", scheme)
	}
}

// parseS3Location parses the authority of form
// "[access:secret@][endpoint:port@]bucket/key". Credentials and
// endpoint are optional; "@" may appear up to twice. The key is the
// remainder after the first "/" following the bucket.
func parseS3Location(uri, suffix string) (Location, error) {
	parts := strings.Split(suffix, "@")
	if len(parts) > 3 {
		return nil, errors.E(errors.MalformedUri, uri, "too many '@'-separated components")
	}
	loc := S3Location{}
	bucketKey := parts[len(parts)-1]
	switch len(parts) {
	case 3:
		loc.AccessKey, loc.SecretKey = splitColonPair(parts[0])
		if loc.AccessKey == "" || loc.SecretKey == "" {
			return nil, errors.E(errors.MalformedUri, uri, "expected access:secret before first '@'")
		}
		host, port, err := splitHostPort(parts[1])
		if err != nil {
			return nil, errors.E(errors.MalformedUri, uri, err)
		}
		loc.EndpointHost, loc.EndpointPort = host, port
	case 2:
		if ak, sk := splitColonPair(parts[0]); ak != "" && sk != "" {
			loc.AccessKey, loc.SecretKey = ak, sk
		} else {
			host, port, err := splitHostPort(parts[0])
			if err != nil {
				return nil, errors.E(errors.MalformedUri, uri, err)
			}
			loc.EndpointHost, loc.EndpointPort = host, port
		}
	}
	bucket, key, _ := strings.Cut(bucketKey, "/")
	if bucket == "" {
		return nil, errors.E(errors.MalformedUri, uri, "missing bucket")
	}
	loc.Bucket, loc.Key = bucket, key
	return loc, nil
}

func splitColonPair(s string) (a, b string) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return "", ""
	}
	return a, b
}

func splitHostPort(s string) (host string, port int, err error) {
	h, p, ok := strings.Cut(s, ":")
	if !ok {
		return s, 0, nil
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, errors.New("invalid port " + strconv.Quote(p))
	}
	return h, n, nil
}

func parseGCSLocation(uri, suffix string) (Location, error) {
	bucket, blob, _ := strings.Cut(suffix, "/")
	if bucket == "" {
		return nil, errors.E(errors.MalformedUri, uri, "missing bucket")
	}
	return GCSLocation{Bucket: bucket, Blob: blob}, nil
}

// parseWebHDFSLocation expects "host[:port]/path". The path portion
// begins at the first "/" after the host; a missing path means the
// root.
func parseWebHDFSLocation(uri, suffix string) (Location, error) {
	hostPort, path, _ := strings.Cut(suffix, "/")
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return nil, errors.E(errors.MalformedUri, uri, err)
	}
	if host == "" {
		return nil, errors.E(errors.MalformedUri, uri, "missing host")
	}
	return WebHDFSLocation{Host: host, Port: port, Path: path}, nil
}

// parseSSHLocation expects "[user[:password]@]host[:port]//path" (an
// absolute path) or "[user[:password]@]host[:port]/path" (a path
// relative to the user's home). The second "/" after the host, if
// present, marks an absolute path.
func parseSSHLocation(uri, suffix string) (Location, error) {
	userInfo, hostPath := suffix, ""
	if at := strings.LastIndexByte(suffix, '@'); at >= 0 {
		userInfo, hostPath = suffix[:at], suffix[at+1:]
	} else {
		userInfo, hostPath = "", suffix
	}
	loc := SSHLocation{}
	if userInfo != "" {
		loc.User, loc.Password = splitColonPair(userInfo)
		if loc.User == "" {
			loc.User = userInfo
		}
	}
	hostPort, rest, hasSlash := strings.Cut(hostPath, "/")
	if !hasSlash {
		return nil, errors.E(errors.MalformedUri, uri, "missing path")
	}
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return nil, errors.E(errors.MalformedUri, uri, err)
	}
	if host == "" {
		return nil, errors.E(errors.MalformedUri, uri, "missing host")
	}
	loc.Host, loc.Port = host, port
	// rest keeps its leading "/" for the "//path" form, so an absolute
	// path stays absolute and a relative one stays relative.
	loc.Path = rest
	return loc, nil
}
