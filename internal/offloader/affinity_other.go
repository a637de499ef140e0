//go:build !linux

package offloader

func pinWorkerCPU(cpus []int) {}
