package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	PeerID  string `json:"peer_id"`
	Service string `json:"service"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "🚀 Compute Peer Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Listening for task events from compute-peer-1, compute-peer-2, compute-peer-3..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	// Use docker service logs with follow and tail
	cmd := exec.Command("docker", "service", "logs", "-f", "compute-engine_compute-peer-1", "compute-engine_compute-peer-2", "compute-engine_compute-peer-3")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Printf("Error creating stdout pipe: %v\n", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fmt.Printf("Error starting docker logs command: %v\n", err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// Docker service logs format: "service_name.instance.id | {JSON}"
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 {
			continue
		}

		serviceLabel := strings.TrimSpace(parts[0])
		jsonPayload := strings.TrimSpace(parts[1])

		var entry LogEntry
		if err := json.Unmarshal([]byte(jsonPayload), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}

		prettify(serviceLabel, entry)
	}

	if err := cmd.Wait(); err != nil {
		fmt.Printf("Docker command exited: %v\n", err)
	}
}

func prettify(serviceLabel string, entry LogEntry) {
	// Extract peer name from service label (e.g., compute-engine_compute-peer-1.1.xyz -> peer-1)
	peerName := "peer"
	if strings.Contains(serviceLabel, "compute-peer-1") {
		peerName = colorBlue + "PEER-1" + colorReset
	} else if strings.Contains(serviceLabel, "compute-peer-2") {
		peerName = colorPurple + "PEER-2" + colorReset
	} else if strings.Contains(serviceLabel, "compute-peer-3") {
		peerName = colorCyan + "PEER-3" + colorReset
	}

	msg := entry.Msg
	taskID := entry.TaskID

	switch {
	case strings.Contains(msg, "Processing task"):
		fmt.Printf("[%s] 📥 "+colorYellow+"Received Task:"+colorReset+" %s\n", peerName, taskID)
	case strings.Contains(msg, "Starting worker peer") || strings.Contains(msg, "Announce"):
		// Skip announce chatter to keep the stream readable
	case strings.Contains(msg, "Task completed"):
		fmt.Printf("[%s] ✅ "+colorGreen+"Task Finished:"+colorReset+" %s\n", peerName, taskID)
	case strings.Contains(msg, "Task execution cancelled"):
		fmt.Printf("[%s] 🚫 "+colorYellow+"Task Cancelled:"+colorReset+" %s\n", peerName, taskID)
	case entry.Level == "error":
		fmt.Printf("[%s] ❌ "+colorRed+"ERROR:"+colorReset+" %s\n", peerName, msg)
	}
}
