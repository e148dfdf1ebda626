package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/golem-project/worker-executor/internal/worker"
)

// parseWorkerID parses "component/name" into a worker.ID, the inverse of
// worker.ID.String().
func parseWorkerID(s string) (worker.ID, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return worker.ID{}, fmt.Errorf("invalid worker id %q, expected component/name", s)
	}
	return worker.ID{ComponentID: parts[0], Name: parts[1]}, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func parseUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
