package mysql

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicollect5/e5deploy/internal/shell/shelltest"
)

func TestGeneratePassword(t *testing.T) {
	for i := 0; i < 200; i++ {
		pw, err := GeneratePassword(rand.Reader, 12)
		require.NoError(t, err)
		require.Len(t, pw, 12)

		var lower, upper, digit bool
		for _, c := range pw {
			switch {
			case unicode.IsLower(c):
				lower = true
			case unicode.IsUpper(c):
				upper = true
			case unicode.IsDigit(c):
				digit = true
			default:
				t.Fatalf("unexpected character %q in %q", c, pw)
			}
		}
		assert.True(t, lower && upper && digit, "password %q misses a character class", pw)
	}
}

func TestGeneratePassword_Minimum(t *testing.T) {
	pw, err := GeneratePassword(rand.Reader, 3)
	require.NoError(t, err)
	assert.Len(t, pw, 3)

	_, err = GeneratePassword(rand.Reader, 2)
	assert.Error(t, err)
}

func TestGeneratePassword_ShortRandomSource(t *testing.T) {
	_, err := GeneratePassword(bytes.NewReader(nil), 12)
	assert.Error(t, err)
}

func TestProvisionScript(t *testing.T) {
	script, err := ProvisionScript("epicollect5_prod", "epicollect5_server", "aB3xyz")
	require.NoError(t, err)

	want := `CREATE USER IF NOT EXISTS 'epicollect5_server'@'%' IDENTIFIED BY 'aB3xyz';
ALTER USER 'epicollect5_server'@'%' IDENTIFIED BY 'aB3xyz';
GRANT USAGE ON *.* TO 'epicollect5_server'@'%';
CREATE DATABASE IF NOT EXISTS epicollect5_prod;
GRANT ALL PRIVILEGES ON epicollect5_prod.* TO 'epicollect5_server'@'%';
FLUSH PRIVILEGES;
`
	assert.Equal(t, want, script)
}

func TestProvisionScript_Escaping(t *testing.T) {
	script, err := ProvisionScript("db", "user", `it's\`)
	require.NoError(t, err)
	assert.Contains(t, script, `IDENTIFIED BY 'it\'s\\';`)

	_, err = ProvisionScript("db; DROP DATABASE x", "user", "pw")
	assert.Error(t, err)
	_, err = ProvisionScript("db", "user'@'%", "pw")
	assert.Error(t, err)
}

func TestApply_FirstSuccessWins(t *testing.T) {
	fake := shelltest.NewFake().
		Fail("mysql -vvv", 1).
		OnRegexp(`^sudo mysql`, shelltest.Response{Output: "Query OK"})

	var attempts []string
	p := &Provisioner{
		Runner: fake,
		Notify: func(a Attempt) {
			status := "ok"
			if a.Err != nil {
				status = "failed"
			}
			attempts = append(attempts, a.Strategy.Name+":"+status)
		},
	}

	s, err := p.Apply(context.Background(), HostStrategies("localhost"), "FLUSH PRIVILEGES;\n")
	require.NoError(t, err)
	assert.Equal(t, "sudo", s.Name)
	assert.Equal(t, []string{"without sudo:failed", "explicit host:failed", "sudo:ok"}, attempts)

	// The tcp strategy is never reached
	assert.False(t, fake.Ran("-P3306"))

	call, ok := fake.Find("sudo mysql")
	require.True(t, ok)
	assert.Equal(t, "FLUSH PRIVILEGES;\n", call.Stdin)
}

func TestApply_AllFail(t *testing.T) {
	fake := shelltest.NewFake().Fail("mysql", 1)
	p := &Provisioner{Runner: fake}

	_, err := p.Apply(context.Background(), HostStrategies("localhost"), "SELECT 1;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all connection attempts failed")
	for _, name := range []string{"without sudo", "explicit host", "sudo", "tcp"} {
		assert.Contains(t, err.Error(), name)
	}
	assert.Equal(t, 4, fake.Count("mysql"))
}

func TestApply_DockerRootPassword(t *testing.T) {
	fake := shelltest.NewFake()
	fake.OnRegexp(`mysql -vvv -hdb -uroot`, shelltest.Response{ExitCode: 1, Output: "Access denied"})

	reads := 0
	p := &Provisioner{
		Runner: fake,
		RootPassword: func() (string, error) {
			reads++
			return "rootpw", nil
		},
	}

	_, err := p.Apply(context.Background(), DockerStrategies("db"), "SELECT 1;")
	require.Error(t, err)
	assert.Equal(t, 1, reads, "password is read only for the strategy that needs it")

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Env)
	assert.Equal(t, []string{"MYSQL_PWD=rootpw"}, calls[1].Env)
	assert.NotContains(t, calls[1].Command, "rootpw", "password never goes on the command line")
}

func TestApply_RootPasswordError(t *testing.T) {
	fake := shelltest.NewFake().Fail("mysql", 1)
	p := &Provisioner{
		Runner:       fake,
		RootPassword: func() (string, error) { return "", errors.New("no docker env") },
	}

	_, err := p.Apply(context.Background(), DockerStrategies("db"), "SELECT 1;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no docker env")
	assert.Equal(t, 1, fake.Count("mysql"))
}

func TestWaitReady(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		fake := shelltest.NewFake()
		err := WaitReady(context.Background(), fake, "db", WaitConfig{Attempts: 3, Delay: time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, 1, fake.Count("mysqladmin ping -hdb"))
	})

	t.Run("never ready", func(t *testing.T) {
		fake := shelltest.NewFake().Fail("mysqladmin", 1)
		err := WaitReady(context.Background(), fake, "db", WaitConfig{Attempts: 3, Delay: time.Millisecond})
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "not ready"))
		assert.Equal(t, 3, fake.Count("mysqladmin"))
	})
}
