//go:build vulkan

package main

import _ "github.com/tezrry/gpulock/compute/vulkan"
