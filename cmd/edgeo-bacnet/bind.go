// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var bindResolveAddr string

var bindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Inspect or force device address binding",
	Long: `Bind dumps the client's address-entry table (devices bound via
Who-Is/I-Am) and address-instance cache (devices resolved from a raw IP),
or, with --resolve, resolves the device instance behind one IP address.
The tables belong to the client this command creates, so a listing shows
only what that client has bound since it connected.

Examples:
  # Show every address the client has bound so far
  edgeo-bacnet bind

  # Resolve the device instance behind a known IP
  edgeo-bacnet bind --resolve 192.0.2.10`,

	RunE: runBind,
}

func init() {
	bindCmd.Flags().StringVar(&bindResolveAddr, "resolve", "", "resolve the device instance behind this IP address")
}

func runBind(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	if bindResolveAddr != "" {
		instance, err := client.ResolveInstanceForAddress(ctx, bindResolveAddr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", bindResolveAddr, err)
		}
		fmt.Printf("%s -> device %d\n", bindResolveAddr, instance)
		return nil
	}

	addresses := client.KnownAddresses()
	ids := make([]uint32, 0, len(addresses))
	for id := range addresses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Println("Address-entry table (T3):")
	for _, id := range ids {
		fmt.Printf("  device %-10d -> %s\n", id, formatAddress(addresses[id]))
	}
	if len(ids) == 0 {
		fmt.Println("  (empty)")
	}

	instances := client.CachedInstances()
	fmt.Println("\nAddress-instance cache (T4):")
	if len(instances) == 0 {
		fmt.Println("  (empty)")
	}
	for addr, instance := range instances {
		fmt.Printf("  %-20s -> device %d\n", addr, instance)
	}

	return nil
}
