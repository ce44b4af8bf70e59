//go:build e2e
// +build e2e

/*
Copyright 2026.

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

package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NissesSenap/taskagent/internal/fakecoordinator"
	"github.com/NissesSenap/taskagent/pkg/connection"
)

// makeOutputs writes one DICOM slice, a PHILIPS rec/par pair and a stray text
// file into the directory given as its first argument.
const makeOutputs = `#!/bin/sh
set -e
out="$1"
head -c 128 /dev/zero > "$out/slice1.dcm"
printf 'DICM' >> "$out/slice1.dcm"
printf 'par' > "$out/scan.par"
printf 'rec' > "$out/scan.rec"
printf 'not an image' > "$out/readme.txt"
`

// agentProcess is a running taskagent serve process.
type agentProcess struct {
	cmd          *exec.Cmd
	exited       chan struct{}
	downloadPath string
}

func startAgent(serverURL, token string, queueSize string) *agentProcess {
	dir := GinkgoT().TempDir()
	p := &agentProcess{
		downloadPath: filepath.Join(dir, "downloads"),
		exited:       make(chan struct{}),
	}

	p.cmd = exec.Command(agentBinary, "serve")
	p.cmd.Env = append(os.Environ(),
		"TASKAGENT_CONFIG="+filepath.Join(dir, "taskagent.yaml"),
		"TASKAGENT_SERVER="+serverURL,
		"TASKAGENT_TOKEN="+token,
		"TASKAGENT_DOWNLOAD_PATH="+p.downloadPath,
		"TASKAGENT_LOG_LEVEL=debug",
		"TASKAGENT_QUEUE_SIZE="+queueSize,
	)
	p.cmd.Stdout = GinkgoWriter
	p.cmd.Stderr = GinkgoWriter
	Expect(p.cmd.Start()).To(Succeed(), "Failed to start taskagent")

	go func() {
		_ = p.cmd.Wait()
		close(p.exited)
	}()
	return p
}

func (p *agentProcess) stop() {
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	Eventually(p.exited, 10*time.Second).Should(BeClosed(), "taskagent did not shut down")
}

func waitForAgent(coord *fakecoordinator.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	Expect(coord.WaitForAgents(ctx, 1)).To(Succeed(), "taskagent never connected")
}

func pushTask(coord *fakecoordinator.Coordinator, task string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(coord.PushTask(ctx, json.RawMessage(task))).To(Succeed())
}

var _ = Describe("taskagent", Ordered, func() {
	var (
		coord *fakecoordinator.Coordinator
		agent *agentProcess
	)

	BeforeAll(func() {
		By("starting the coordinator")
		coord = fakecoordinator.New(fakecoordinator.WithVersion("6.1.0"))
		url := coord.Start()
		coord.AddFile("11", []byte("hello from the server\n"))

		By("starting the agent")
		agent = startAgent(url, coord.Token(), "1")
		waitForAgent(coord)
	})

	AfterAll(func() {
		By("stopping the agent")
		if agent != nil {
			agent.stop()
		}
		coord.Close()
	})

	It("should announce itself with a hello message", func() {
		hellos := coord.ReceivedOfType(connection.TypeHello)
		Expect(hellos).NotTo(BeEmpty())

		var hello connection.Hello
		Expect(json.Unmarshal(hellos[0].Data, &hello)).To(Succeed())
		Expect(hello.Hostname).NotTo(BeEmpty())
		Expect(hello.Queue).To(Equal(1))
	})

	It("should download files and run the rewritten command", func() {
		pushTask(coord, `{
			"name": "cat",
			"taskInfo": 21,
			"files": [[11, "job", "greeting.txt", 22]],
			"commandLine": "cat {{BASE_PATH}}/job/greeting.txt"
		}`)

		Eventually(coord.Finished, 30*time.Second).Should(HaveLen(1))
		finished := coord.Finished()[0]
		Expect(finished.Path).To(Equal("/api/v2/timeline/21/finish/"))
		want := "cat " + filepath.Join(agent.downloadPath, "job", "greeting.txt")
		Expect(string(finished.Body)).To(MatchJSON(`{"data":{"command":"` + want + `","exit_code":0},"error":null}`))

		Eventually(coord.Stdout, 10*time.Second).Should(HaveLen(1))
		stdout := coord.Stdout()[0]
		Expect(stdout.Path).To(Equal("/api/v2/timeline/21/stdout/"))
		Expect(string(stdout.Body)).To(Equal("hello from the server\n"))
	})

	It("should harvest DICOM and PHILIPS_REC outputs", func() {
		script := base64.StdEncoding.EncodeToString([]byte(makeOutputs))
		pushTask(coord, `{
			"name": "convert",
			"taskInfo": 22,
			"outputDirectory": "{{BASE_PATH}}/convert/out",
			"script": "`+script+`",
			"scriptPath": "{{BASE_PATH}}/convert/make.sh",
			"commandLine": "sh {{BASE_PATH}}/convert/make.sh {{BASE_PATH}}/convert/out",
			"outputs": [
				{"type": "slices", "datasetType": "DICOM"},
				{"type": "raw", "datasetType": "PHILIPS_REC"}
			],
			"target": [7, "serie"]
		}`)

		Eventually(coord.Uploads, 30*time.Second).Should(HaveLen(1))
		upload := coord.Uploads()[0]
		Expect(upload.TargetType).To(Equal("series"))
		Expect(upload.TargetID).To(Equal("7"))
		Expect(upload.Names).To(Equal([]string{"slice1.dcm", "scan.rec", "scan.par"}))
		Expect(upload.Files["scan.rec"]).To(Equal([]byte("rec")))

		Eventually(coord.Finished, 10*time.Second).Should(HaveLen(2))
		Expect(string(coord.Finished()[1].Body)).To(ContainSubstring(`"exit_code":0`))
	})

	It("should report a failing command with its output", func() {
		pushTask(coord, `{
			"name": "fail",
			"taskInfo": 23,
			"commandLine": "echo broken input; exit 3"
		}`)

		Eventually(coord.Finished, 30*time.Second).Should(HaveLen(3))
		var body struct {
			Data struct {
				ExitCode int `json:"exit_code"`
			} `json:"data"`
			Error *string `json:"error"`
		}
		Expect(json.Unmarshal(coord.Finished()[2].Body, &body)).To(Succeed())
		Expect(body.Data.ExitCode).To(Equal(3))
		Expect(body.Error).NotTo(BeNil())
		Expect(*body.Error).To(ContainSubstring("broken input"))
	})

	It("should answer busy when the queue is full", func() {
		for range 4 {
			pushTask(coord, `{"name": "sleeper", "commandLine": "sleep 2"}`)
		}

		Eventually(func() int {
			return len(coord.ReceivedOfType(connection.TypeBusy))
		}, 10*time.Second).Should(BeNumerically(">=", 2))

		var busy connection.Busy
		Expect(json.Unmarshal(coord.ReceivedOfType(connection.TypeBusy)[0].Data, &busy)).To(Succeed())
		Expect(busy.Name).To(Equal("sleeper"))
	})
})

var _ = Describe("taskagent against a legacy server", Ordered, func() {
	var (
		coord *fakecoordinator.Coordinator
		agent *agentProcess
	)

	BeforeAll(func() {
		coord = fakecoordinator.New(fakecoordinator.WithVersion("5.4.0"), fakecoordinator.LegacyOnly())
		url := coord.Start()
		agent = startAgent(url, coord.Token(), "8")
		waitForAgent(coord)
	})

	AfterAll(func() {
		if agent != nil {
			agent.stop()
		}
		coord.Close()
	})

	It("should report through the taskinfo endpoints", func() {
		pushTask(coord, `{"name": "legacy", "taskInfo": 5, "commandLine": "echo done"}`)

		Eventually(coord.Finished, 30*time.Second).Should(HaveLen(1))
		finished := coord.Finished()[0]
		Expect(finished.Path).To(Equal("/api/v1/taskinfo/5/finish/"))
		Expect(string(finished.Body)).To(MatchJSON(`{"error":null}`))

		Eventually(coord.Stdout, 10*time.Second).Should(HaveLen(1))
		Expect(string(coord.Stdout()[0].Body)).To(Equal("done\n"))
	})
})
