package config_test

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rsturla/bootc/pkg/config"
)

func TestConfigSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config test suite")
}

var _ = Describe("Load", func() {
	var clearEnv func()

	BeforeEach(func() {
		vars := []string{
			config.EnvDirectIO,
			config.EnvSkipUnshare,
			config.EnvLoopbackCleanupHelper,
			config.EnvSELinuxReexecGuard,
			"BOOTC_LOG_LEVEL",
			"BOOTC_INSECURE_COMPOSEFS",
		}
		saved := map[string]string{}
		for _, v := range vars {
			saved[v] = os.Getenv(v)
			os.Unsetenv(v)
		}
		clearEnv = func() {
			for _, v := range vars {
				if s := saved[v]; s != "" {
					os.Setenv(v, s)
				} else {
					os.Unsetenv(v)
				}
			}
		}
	})

	AfterEach(func() {
		clearEnv()
	})

	It("defaults log level to info and leaves toggles off", func() {
		cfg, err := config.Load()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.LogLevel).To(Equal("info"))
		Expect(cfg.DirectIO).To(BeFalse())
		Expect(cfg.SkipUnshare).To(BeFalse())
		Expect(cfg.LoopbackHelperMode).To(BeFalse())
		Expect(cfg.SELinuxReexecDone).To(BeFalse())
		Expect(cfg.Logger).ToNot(BeNil())
		Expect(cfg.Runner).ToNot(BeNil())
	})

	It("reads direct-io case-insensitively", func() {
		os.Setenv(config.EnvDirectIO, "ON")
		cfg, err := config.Load()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.DirectIO).To(BeTrue())
	})

	It("treats any non-empty skip-unshare value as enabled", func() {
		os.Setenv(config.EnvSkipUnshare, "1")
		cfg, err := config.Load()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.SkipUnshare).To(BeTrue())
	})

	It("detects loopback cleanup helper mode from its env var", func() {
		os.Setenv(config.EnvLoopbackCleanupHelper, "/dev/loop0")
		cfg, err := config.Load()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.LoopbackHelperMode).To(BeTrue())
	})
})
