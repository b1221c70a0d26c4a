package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/native"
	"github.com/srg/blecore/internal/testutils"
)

const (
	dataService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	dataChar    = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// CommandTestSuite runs commands against the FakeDriver of PeripheralSuite.
// All cmd/blecore test suites embed it.
type CommandTestSuite struct {
	testutils.PeripheralSuite

	originalDriver func(*logrus.Logger) native.Driver
}

func (s *CommandTestSuite) SetupSuite() {
	s.PeripheralSuite.SetupSuite()
	color.NoColor = true
	s.originalDriver = newDriver
}

func (s *CommandTestSuite) TearDownSuite() {
	newDriver = s.originalDriver
}

func (s *CommandTestSuite) SetupTest() {
	s.PeripheralSuite.SetupTest()

	driver := s.Driver
	newDriver = func(*logrus.Logger) native.Driver { return driver }

	resetFlags()
	for name, value := range map[string]string{"log-level": "", "config": "", "no-color": "false"} {
		s.Require().NoError(rootCmd.PersistentFlags().Set(name, value))
	}
}

// resetFlags restores every command flag variable to its default so
// values parsed by one test do not leak into the next.
func resetFlags() {
	scanDuration, scanFormat, scanServices = 0, "", nil

	readServiceUUID, readCharUUIDs, readHex, readSize, readWatch = "", "", false, 0, ""

	writeServiceUUID, writeHex, writeChunkSize = "", false, 0

	subscribeServiceUUID, subscribeCharUUIDs, subscribeHex = "", "", false
	subscribeDuration, subscribeMode, subscribeRate = 0, "live", defaultSubscribeRate

	inspectJSON, inspectReadLimit = false, 64
}

// ExecuteCommand runs the root command with args and returns stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// WriteConfig writes a YAML config file into a temp dir and returns its path.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "blecore.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config file MUST be written")
	return path
}

// When runs fn on a background goroutine as soon as cond holds, giving up
// after the suite timeout. It lets a test act while a command is blocked.
func (s *CommandTestSuite) When(cond func() bool, fn func()) {
	timeout := s.TestTimeout
	go func() {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if cond() {
				fn()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}
