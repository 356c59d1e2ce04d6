// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"fmt"
	"os"
)

// CheckTLSConfig validates a cert/key pair and reports whether TLS should
// be enabled for the introspection listener. Grounded on
// internal/api/tls.go's CheckTLSConfig.
func CheckTLSConfig(certPath, keyPath string) (bool, error) {
	if certPath == "" && keyPath == "" {
		return false, nil
	}
	if certPath == "" || keyPath == "" {
		return false, fmt.Errorf("both tls_cert and tls_key must be specified (got cert=%q, key=%q)", certPath, keyPath)
	}
	if !fileExists(certPath) {
		return false, fmt.Errorf("tls_cert file not found: %s", certPath)
	}
	if !fileExists(keyPath) {
		return false, fmt.Errorf("tls_key file not found: %s", keyPath)
	}
	return true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
