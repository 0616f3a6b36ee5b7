package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cliflag "k8s.io/component-base/cli/flag"
)

type testOptions struct {
	Name      string `mapstructure:"name"`
	Completed bool
	Validated bool
}

func (o *testOptions) Flags() (fss cliflag.NamedFlagSets) {
	fss.FlagSet("test").StringVar(&o.Name, "name", "default", "name")
	return fss
}

func (o *testOptions) Complete() error {
	o.Completed = true
	return nil
}

func (o *testOptions) Validate() error {
	o.Validated = true
	return nil
}

func TestApp_FlagsAndLifecycle(t *testing.T) {
	viper.Reset()
	opts := &testOptions{}
	ran := false

	a := NewApp(
		WithName("fincheck-test"),
		WithOptions(opts),
		WithNoVersion(),
		WithEnvFiles(),
		WithRunFunc(func() error {
			ran = true
			return nil
		}),
	)
	a.Command().SetArgs([]string{"--name", "from-flag"})
	require.NoError(t, a.Command().Execute())

	assert.True(t, ran)
	assert.True(t, opts.Completed)
	assert.True(t, opts.Validated)
	assert.Equal(t, "from-flag", opts.Name)
}

func TestApp_ConfigFileAndFlagPrecedence(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("name: from-file\n"), 0o600))

	opts := &testOptions{}
	a := NewApp(WithName("fincheck-test"), WithOptions(opts), WithNoVersion(), WithEnvFiles())
	a.Command().SetArgs([]string{"--config", cfg})
	require.NoError(t, a.Command().Execute())
	assert.Equal(t, "from-file", opts.Name)

	viper.Reset()
	opts = &testOptions{}
	a = NewApp(WithName("fincheck-test"), WithOptions(opts), WithNoVersion(), WithEnvFiles())
	a.Command().SetArgs([]string{"--config", cfg, "--name", "from-flag"})
	require.NoError(t, a.Command().Execute())
	assert.Equal(t, "from-flag", opts.Name)
}

func TestLoadEnvFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FINCHECK_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("FINCHECK_TEST_DOTENV") })

	require.NoError(t, loadEnvFiles(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("FINCHECK_TEST_DOTENV"))
}

func TestExpandEnvVars(t *testing.T) {
	viper.Reset()
	t.Setenv("FINCHECK_TEST_HOST", "db.internal")
	viper.Set("postgres.host", "${FINCHECK_TEST_HOST}")
	viper.Set("postgres.user", "$FINCHECK_TEST_UNSET_VAR")

	expandEnvVars()

	assert.Equal(t, "db.internal", viper.GetString("postgres.host"))
	assert.Equal(t, "$FINCHECK_TEST_UNSET_VAR", viper.GetString("postgres.user"))
}
