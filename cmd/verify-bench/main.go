/*
Copyright 2025 The llm-d Authors.

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

// verify-bench drives the verification pool with synthetic batches and
// reports latency and acceptance per strategy.
package main

import (
	"context"
	"flag"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	ctx := klog.NewContext(context.Background(), klog.Background())

	cmd := newRootCmd()
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	if err := cmd.ExecuteContext(ctx); err != nil {
		klog.FromContext(ctx).Error(err, "verify-bench failed")
		os.Exit(1)
	}
}
