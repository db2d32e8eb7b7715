// Package metrics holds shared prometheus naming for the registry.
package metrics

import "github.com/docker/go-metrics"

// NamespacePrefix is the namespace of prometheus metrics names.
const NamespacePrefix = "registry"

// CacheNamespace is the prometheus namespace of cache related operations.
var CacheNamespace = metrics.NewNamespace(NamespacePrefix, "cache", nil)
