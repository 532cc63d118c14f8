// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-overcache - Offline-First Data Layer")
	fmt.Println("==========================================")
	fmt.Println()
	fmt.Println("go-overcache keeps a local SQLite cache in front of a REST resource API:")
	fmt.Println("reads fall back to the cache when offline, writes are queued in a durable")
	fmt.Println("outbox and replayed with idempotency keys once the API is reachable.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Resource Server (examples/resource_server/)")
	fmt.Println("   Clinic resource API on net/http with memory or PostgreSQL storage")
	fmt.Println("   Features: JWT auth, idempotent creates, expand/filter/sort, Prometheus metrics")
	fmt.Println("   Run: cd examples/resource_server && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Clinic Flow (examples/clinic_flow/)")
	fmt.Println("   Scripted device sessions against the resource server")
	fmt.Println("   Features: cache warming, airplane mode browsing, offline writes, sign-out wipe")
	fmt.Println("   Run: cd examples/clinic_flow && go run . -scenario all")
	fmt.Println()
}
