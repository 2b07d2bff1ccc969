package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicollect5/e5deploy/internal/config"
	"github.com/epicollect5/e5deploy/internal/recipe"
	"github.com/epicollect5/e5deploy/internal/shell/shelltest"
)

const lsRemote = "a1b2c3d4\trefs/tags/6.1.9\nb2c3d4e5\trefs/tags/6.1.10\nc3d4e5f6\trefs/tags/6.2.0-rc1\n"

// newFake is a host outside docker; everything else succeeds
func newFake() *shelltest.Fake {
	return shelltest.NewFake().
		Fail("/.dockerenv", 1).
		Fail("/proc/1/cgroup", 1)
}

func newDeployment(t *testing.T, fake *shelltest.Fake) *recipe.Deployment {
	t.Helper()
	cfg := config.Default()
	cfg.DeployPath = t.TempDir()
	cfg.DockerEnvFile = filepath.Join(t.TempDir(), "docker.env")
	cfg.Database.ReadyAttempts = 1
	cfg.Database.ReadyDelay = time.Millisecond
	secrets := config.SecretsFromEnv(func(string) string { return "" })
	return recipe.NewDeployment(cfg, secrets, fake, nil, nil)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func runTask(t *testing.T, d *recipe.Deployment, name string) error {
	t.Helper()
	task, ok := NewRegistry().Lookup(name)
	require.True(t, ok, "task %s not registered", name)
	return task.Fn(context.Background(), d)
}

func TestGroups(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Validate())

	for group, want := range map[string][]string{"install": InstallOrder, "update": UpdateOrder} {
		plan, err := reg.Plan(group)
		require.NoError(t, err)
		got := make([]string, len(plan))
		for i, task := range plan {
			got[i] = task.Name
		}
		assert.Equal(t, want, got, group)
	}

	assert.Equal(t, []string{"deploy:unlock"}, reg.Hooks(recipe.FailedEvent))
	for _, name := range []string{"artisan:migrate:rollback", "artisan:migrate:status", "artisan:about",
		"composer:dump-autoload", "setup:cache_folders", "setup:ensure_env_symlink"} {
		assert.True(t, reg.Has(name), name)
	}
}

func TestCheckNotRoot(t *testing.T) {
	d := newDeployment(t, newFake().On("whoami", "root\n"))
	err := runTask(t, d, "check:not_root")
	require.Error(t, err)
	assert.True(t, recipe.IsAbort(err))
	assert.Equal(t, "Deployment must not be run as root. Aborting.", err.Error())

	d = newDeployment(t, newFake().On("whoami", "deploy"))
	assert.NoError(t, runTask(t, d, "check:not_root"))
}

func TestCheckCleanInstall(t *testing.T) {
	fake := newFake()
	d := newDeployment(t, fake)
	err := runTask(t, d, "setup:check_clean_install")
	assert.True(t, recipe.IsAbort(err))

	fake.Fail("test -L "+d.Config.CurrentPath(), 1)
	assert.NoError(t, runTask(t, d, "setup:check_clean_install"))
}

func TestDelegated(t *testing.T) {
	fake := newFake()
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "deploy:vendors"))
	call, ok := fake.Find("dep deploy:vendors production")
	require.True(t, ok)
	assert.Contains(t, call.Env, "DEPLOY_PATH="+d.Config.DeployPath)
	assert.Contains(t, call.Env, "KEEP_RELEASES=3")
	assert.Contains(t, call.Env, "SHARED_FILES=.env public/.htaccess")
	assert.Equal(t, 7200*time.Second, call.Timeout)

	delete(d.Config.Delegate, "deploy:publish")
	err := runTask(t, d, "deploy:publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command configured for deploy:publish")
}

func TestSetupDatabase_Host(t *testing.T) {
	fake := newFake().OnRegexp(`^mysql -vvv$`, shelltest.Response{ExitCode: 1, Output: "ERROR 1698"})
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "setup:database"))

	password := d.Get("db_password")
	assert.Len(t, password, 12)

	call, ok := fake.Find("mysql -vvv -hlocalhost")
	require.True(t, ok)
	assert.Contains(t, call.Stdin, "CREATE USER IF NOT EXISTS 'epicollect5_server'@'%' IDENTIFIED BY '"+password+"';")
	assert.Contains(t, call.Stdin, "CREATE DATABASE IF NOT EXISTS epicollect5_prod;")
	assert.NotContains(t, call.Command, password)

	assert.False(t, fake.Ran("sudo mysql"))
	assert.False(t, fake.Ran("mysqladmin"))
	assert.True(t, fake.Ran("which mysql"))
}

func TestSetupDatabase_DockerAllFail(t *testing.T) {
	fake := shelltest.NewFake().Fail("mysql -vvv -hdb -uroot", 1)
	d := newDeployment(t, fake)
	writeFile(t, d.Config.DockerEnvFile, "MYSQL_ROOT_PASSWORD=\"r00t pw\"\n")

	err := runTask(t, d, "setup:database")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all connection attempts failed")
	assert.Contains(t, err.Error(), "without password")
	assert.Contains(t, err.Error(), "with root password")

	assert.True(t, fake.Ran("mysqladmin ping -hdb --silent"))

	var attempts []shelltest.Call
	for _, c := range fake.Calls() {
		if strings.HasPrefix(c.Command, "mysql -vvv -hdb") {
			attempts = append(attempts, c)
		}
	}
	require.Len(t, attempts, 2)
	assert.Empty(t, attempts[0].Env)
	assert.Equal(t, []string{"MYSQL_PWD=r00t pw"}, attempts[1].Env)
}

func TestSetupDatabase_NoRootPassword(t *testing.T) {
	fake := shelltest.NewFake().Fail("mysql -vvv -hdb -uroot", 1)
	d := newDeployment(t, fake)

	err := runTask(t, d, "setup:database")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MYSQL_ROOT_PASSWORD not found")
	assert.Equal(t, 1, fake.Count("mysql -vvv -hdb"))
}

const envExample = `APP_NAME=Laravel
#key below is an example to make php artisan key:generate works
APP_KEY=base64:example=
DB_HOST=127.0.0.1
DB_DATABASE=homestead
DB_USERNAME=homestead
DB_PASSWORD=secret
DB_PASSWORD=again
SYSTEM_EMAIL=
SUPER_ADMIN_FIRST_NAME=
SUPER_ADMIN_LAST_NAME=
SUPER_ADMIN_EMAIL=
SUPER_ADMIN_PASSWORD=
#AUTH_METHODS=local,google
`

func TestSetupEnv(t *testing.T) {
	fake := newFake()
	d := newDeployment(t, fake)
	env := d.Config.SharedEnvFile()
	writeFile(t, env, envExample)

	err := runTask(t, d, "setup:env")
	require.Error(t, err, "needs the generated password")

	d.Set("db_password", "Abc123xyz789")
	require.NoError(t, runTask(t, d, "setup:env"))

	release := filepath.Join(d.Config.DeployPath, "release")
	assert.True(t, fake.Ran("cp "+filepath.Join(release, ".env.example")+" "+env))
	assert.True(t, fake.Ran("cp "+filepath.Join(release, "public", ".htaccess-example")+" "+
		filepath.Join(d.Config.SharedPath(), "public", ".htaccess")))

	got := readFile(t, env)
	assert.Equal(t, `APP_NAME=Laravel

APP_KEY=base64:example=
DB_HOST=127.0.0.1
DB_DATABASE=epicollect5_prod
DB_USERNAME=epicollect5_server
DB_PASSWORD=Abc123xyz789
SYSTEM_EMAIL=
SUPER_ADMIN_FIRST_NAME=
SUPER_ADMIN_LAST_NAME=
SUPER_ADMIN_EMAIL=
SUPER_ADMIN_PASSWORD=
#AUTH_METHODS=local,google
`, got)
}

func TestSetupAlertsAndSuperadmin(t *testing.T) {
	d := newDeployment(t, newFake())
	d.Secrets.SuperAdminFirstName = "Mirko"
	d.Secrets.SuperAdminPassword = "pa ss#word"
	env := d.Config.SharedEnvFile()
	writeFile(t, env, envExample)

	require.NoError(t, runTask(t, d, "setup:alerts"))
	require.NoError(t, runTask(t, d, "setup:superadmin"))

	got := readFile(t, env)
	assert.Contains(t, got, "\nSYSTEM_EMAIL=alerts@example.com\n")
	assert.Contains(t, got, "\nSUPER_ADMIN_FIRST_NAME=Mirko\n")
	assert.Contains(t, got, "\nSUPER_ADMIN_LAST_NAME=User\n")
	assert.Contains(t, got, "\nSUPER_ADMIN_EMAIL=admin@example.com\n")
	assert.Contains(t, got, "\nSUPER_ADMIN_PASSWORD='pa ss#word'\n")
}

func TestMergeOverrides(t *testing.T) {
	fake := newFake().On("git ls-remote", lsRemote)
	d := newDeployment(t, fake)
	d.Config.MergeKeys = []string{"APP_NAME", "MAIL_PASSWORD", "OPENCAGE_KEY"}
	writeFile(t, d.Config.DockerEnvFile, "APP_NAME=\"Epicollect5 Dev\"\nMAIL_PASSWORD=m41l\n# OPENCAGE_KEY=x\n")
	env := d.Config.SharedEnvFile()
	writeFile(t, env, envExample)

	require.NoError(t, runTask(t, d, "setup:merge_overrides"))
	assert.True(t, fake.Ran("git ls-remote --tags --refs https://github.com/epicollect5/epicollect5-server.git"))

	got := readFile(t, env)
	assert.Contains(t, got, "APP_NAME=\"Epicollect5 Dev\"\n")
	assert.Contains(t, got, "\nDB_HOST=db\n")
	assert.Contains(t, got, "\nAUTH_METHODS=passwordless\n")
	assert.NotContains(t, got, "#AUTH_METHODS")
	assert.NotContains(t, got, "OPENCAGE_KEY")
	assert.True(t, strings.HasSuffix(got, "MAIL_PASSWORD=m41l\nRELEASE=6110\nPRODUCTION_SERVER_VERSION=6.1.10\n"), got)

	// a second run keeps every key once
	require.NoError(t, runTask(t, d, "setup:merge_overrides"))
	assert.Equal(t, got, readFile(t, env))
}

func TestMergeOverrides_CopiesRawValues(t *testing.T) {
	d := newDeployment(t, newFake().On("git ls-remote", lsRemote))
	d.Config.MergeKeys = []string{"MAIL_FROM_NAME", "APP_URL", "MAILGUN_SECRET", "MAIL_HOST", "OPENCAGE_KEY"}
	writeFile(t, d.Config.DockerEnvFile, strings.Join([]string{
		`MAIL_FROM_NAME="${APP_NAME}"`,
		`APP_URL=`,
		`MAILGUN_SECRET="key-${HOME}x"`,
		`MAIL_HOST=smtp.old`,
		`MAIL_HOST=smtp.new`,
	}, "\n")+"\n")
	env := d.Config.SharedEnvFile()
	writeFile(t, env, "MAIL_FROM_NAME=old\nAPP_URL=http://old\nMAILGUN_SECRET=old\nMAIL_HOST=old\nOPENCAGE_KEY=keep\n")

	require.NoError(t, runTask(t, d, "setup:merge_overrides"))
	assert.Equal(t, strings.Join([]string{
		`MAIL_FROM_NAME="${APP_NAME}"`,
		`APP_URL=`,
		`MAILGUN_SECRET="key-${HOME}x"`,
		`MAIL_HOST=smtp.new`,
		`OPENCAGE_KEY=keep`,
		`AUTH_METHODS=passwordless`,
		`DB_HOST=db`,
		`RELEASE=6110`,
		`PRODUCTION_SERVER_VERSION=6.1.10`,
	}, "\n")+"\n", readFile(t, env))
}

func TestMergeOverrides_NoDockerEnv(t *testing.T) {
	d := newDeployment(t, newFake().On("git ls-remote", lsRemote))
	env := d.Config.SharedEnvFile()
	writeFile(t, env, "APP_NAME=Laravel\n")

	require.NoError(t, runTask(t, d, "setup:merge_overrides"))
	assert.Equal(t, "APP_NAME=Laravel\nAUTH_METHODS=passwordless\nDB_HOST=db\nRELEASE=6110\nPRODUCTION_SERVER_VERSION=6.1.10\n", readFile(t, env))
}

func TestMergeOverrides_NoTags(t *testing.T) {
	d := newDeployment(t, newFake())
	env := d.Config.SharedEnvFile()
	writeFile(t, env, "APP_NAME=Laravel\n")

	require.Error(t, runTask(t, d, "setup:merge_overrides"))
	assert.Equal(t, "APP_NAME=Laravel\n", readFile(t, env))
}

func TestUpdatePermissionsAPIKeys(t *testing.T) {
	fake := newFake().On("ps -eo", "root apache2\nwww-data apache2\nwww-data apache2\n")
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "setup:update_permissions:api_keys"))
	keys := filepath.Join(d.Config.SharedPath(), "storage")
	assert.True(t, fake.Ran("sudo chown www-data:www-data "+filepath.Join(keys, "oauth-private.key")))
	assert.True(t, fake.Ran("sudo chown www-data:www-data "+filepath.Join(keys, "oauth-public.key")))
	assert.True(t, fake.Ran("sudo chmod 600 "+filepath.Join(keys, "oauth-private.key")))
	assert.True(t, fake.Ran("sudo chmod 644 "+filepath.Join(keys, "oauth-public.key")))
}

func TestUpdatePermissions_NoHTTPUser(t *testing.T) {
	for _, name := range []string{"setup:update_permissions:api_keys", "setup:update_permissions:.env", "setup:cache_folders"} {
		t.Run(name, func(t *testing.T) {
			fake := newFake().On("ps -eo", "root nginx\nmysql mysqld\n")
			d := newDeployment(t, fake)

			err := runTask(t, d, name)
			require.Error(t, err)
			assert.True(t, recipe.IsAbort(err))
			assert.False(t, fake.Ran("sudo"))
		})
	}
}

func TestUpdatePermissionsEnv(t *testing.T) {
	fake := newFake().On("ps -eo", "nginx nginx").On("whoami", "deploy")
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "setup:update_permissions:.env"))
	env := d.Config.SharedEnvFile()
	assert.Equal(t, []string{"sudo chown deploy:nginx " + env, "sudo chmod 640 " + env},
		fake.Commands()[len(fake.Commands())-2:])
}

func TestUpdatePermissionsBashScripts(t *testing.T) {
	fake := newFake()
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "setup:update_permissions:bash_scripts"))
	release := filepath.Join(d.Config.DeployPath, "release")
	for _, script := range []string{"after_pull-dev.sh", "after_pull-prod.sh", "laravel_storage_folders.sh"} {
		assert.True(t, fake.Ran("sudo chmod 700 "+filepath.Join(release, script)), script)
	}
}

func TestCacheFolders(t *testing.T) {
	fake := newFake().On("ps -eo", "www-data apache2")
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "setup:cache_folders"))
	data := filepath.Join(d.Config.DeployPath, "release", "storage/framework/cache/data")
	assert.True(t, fake.Ran("sudo mkdir -p "+data))
	assert.True(t, fake.Ran("sudo chown -R www-data:www-data "+data))
	assert.True(t, fake.Ran("sudo chmod -R 775 "+data))
	assert.Equal(t, 6, fake.Count("sudo "))
}

func TestSymlinks(t *testing.T) {
	fake := newFake()
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "setup:symlink_deploy_file"))
	require.NoError(t, runTask(t, d, "setup:symlink_laravel_storage_folders_file"))
	require.NoError(t, runTask(t, d, "setup:ensure_env_symlink"))

	dp := d.Config.DeployPath
	assert.True(t, fake.Ran("ln -sf current/deploy.yaml "+filepath.Join(dp, "deploy.yaml")))
	assert.True(t, fake.Ran("ln -sf current/laravel_storage_folders.sh "+filepath.Join(dp, "laravel_storage_folders.sh")))
	assert.True(t, fake.Ran("sudo chmod +x "+filepath.Join(dp, "laravel_storage_folders.sh")))
	assert.True(t, fake.Ran("ln -nfs "+d.Config.SharedEnvFile()+" "+filepath.Join(dp, "current", ".env")))
}

func TestSetupStats(t *testing.T) {
	fake := newFake()
	d := newDeployment(t, fake)
	d.Set("db_password", "Abc123xyz789")
	env := filepath.Join(d.Config.CurrentPath(), ".env")
	writeFile(t, env, envExample)

	require.NoError(t, runTask(t, d, "setup:stats"))

	got := readFile(t, env)
	assert.Contains(t, got, "\nDB_HOST=127.0.0.1\nDB_DATABASE=epicollect5_prod\nDB_USERNAME=epicollect5_server\nDB_PASSWORD=Abc123xyz789\n")

	current := d.Config.CurrentPath()
	assert.True(t, fake.Ran("cd "+current+" && php artisan config:clear"))
	call, ok := fake.Find("artisan system:stats --deployer")
	require.True(t, ok)
	assert.Equal(t, 300*time.Second, call.Timeout)
	assert.Equal(t, []string{"DB_HOST=127.0.0.1", "DB_DATABASE=epicollect5_prod",
		"DB_USERNAME=epicollect5_server", "DB_PASSWORD=Abc123xyz789"}, call.Env)
	assert.False(t, fake.Ran("db:show"))
}

func TestSetupStats_FailureShowsDatabase(t *testing.T) {
	fake := shelltest.NewFake().Fail("system:stats", 1).Fail("db:show", 1)
	d := newDeployment(t, fake)
	env := filepath.Join(d.Config.CurrentPath(), ".env")
	writeFile(t, env, envExample)

	err := runTask(t, d, "setup:stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system:stats")
	assert.True(t, fake.Ran("artisan db:show"))

	got := readFile(t, env)
	assert.Contains(t, got, "\nDB_HOST=db\n")
	assert.Contains(t, got, "\nDB_PASSWORD=secret\n", "password left alone when none was generated")
}

func TestArtisan(t *testing.T) {
	fake := newFake().On("readlink", "releases/4").On("ps -eo", "www-data apache2")
	d := newDeployment(t, fake)
	dp := d.Config.DeployPath

	require.NoError(t, runTask(t, d, "artisan:migrate"))
	call, ok := fake.Find("artisan migrate --force")
	require.True(t, ok)
	assert.Equal(t, "php "+filepath.Join(dp, "release")+"/artisan migrate --force", call.Command)
	assert.Equal(t, 2000*time.Second, call.Timeout)

	require.NoError(t, runTask(t, d, "artisan:down"))
	assert.True(t, fake.Ran("cd "+filepath.Join(dp, "releases", "4")+" && php artisan down"))

	require.NoError(t, runTask(t, d, "artisan:up"))
	assert.True(t, fake.Ran("cd "+d.Config.CurrentPath()+" && php artisan up"))

	require.NoError(t, runTask(t, d, "composer:dump-autoload"))
	assert.True(t, fake.Ran("composer dump-autoload -o"))

	require.NoError(t, runTask(t, d, "setup:passport:keys"))
	assert.True(t, fake.Ran("artisan passport:keys"))
}

func TestAfterPull(t *testing.T) {
	fake := newFake().On("./after_pull-prod.sh", "caches cleared")
	d := newDeployment(t, fake)

	require.NoError(t, runTask(t, d, "setup:after_pull"))
	current := d.Config.CurrentPath()
	assert.Equal(t, []string{
		"chmod +x " + filepath.Join(current, "after_pull-prod.sh"),
		"cd " + current + " && ./after_pull-prod.sh",
	}, fake.Commands())
}

func TestUnlock(t *testing.T) {
	fake := newFake()
	d := newDeployment(t, fake)
	lock := filepath.Join(d.Config.DeployPath, LockFile)

	fake.Fail("[ -f "+lock+" ]", 1)
	require.NoError(t, runTask(t, d, "deploy:unlock"))
	assert.False(t, fake.Ran("rm -f"))

	fake.On("[ -f "+lock+" ]", "")
	require.NoError(t, runTask(t, d, "deploy:unlock"))
	assert.True(t, fake.Ran("rm -f "+lock))
}

func TestUpdate_FailureUnlocksOnce(t *testing.T) {
	fake := newFake().On("whoami", "deploy").Fail("readlink", 1)
	d := newDeployment(t, fake)

	err := recipe.NewExecutor(NewRegistry()).Run(context.Background(), d, "update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task artisan:down failed")

	assert.False(t, fake.Ran("dep deploy:prepare"))
	assert.Equal(t, 1, fake.Count(filepath.Join(d.Config.DeployPath, LockFile)+" ]"))
	assert.Equal(t, 1, fake.Count("rm -f"))
}

func TestInstall_EndToEnd(t *testing.T) {
	fake := newFake().
		On("whoami", "deploy").
		On("ps -eo", "www-data apache2").
		On("git ls-remote", lsRemote)
	d := newDeployment(t, fake)
	fake.Fail("test -L "+d.Config.CurrentPath(), 1)

	shared := d.Config.SharedEnvFile()
	writeFile(t, shared, envExample)
	writeFile(t, filepath.Join(d.Config.CurrentPath(), ".env"), envExample)

	err := recipe.NewExecutor(NewRegistry()).Run(context.Background(), d, "install")
	require.NoError(t, err)

	got := readFile(t, shared)
	assert.Contains(t, got, "DB_PASSWORD="+d.Get("db_password")+"\n")
	assert.Contains(t, got, "SUPER_ADMIN_PASSWORD=AdminPassword123!\n")
	assert.Contains(t, got, "RELEASE=6110\n")

	commands := strings.Join(fake.Commands(), "\n")
	for _, want := range []string{
		"dep deploy:prepare production",
		"dep deploy:vendors production",
		"dep deploy:publish production",
		"artisan key:generate",
		"artisan storage:link",
		"artisan migrate --force",
		"artisan system:stats --deployer",
		"php artisan up",
	} {
		assert.Contains(t, commands, want)
	}
	assert.Less(t, strings.Index(commands, "key:generate"), strings.Index(commands, "storage:link"))
	assert.Less(t, strings.Index(commands, "migrate --force"), strings.Index(commands, "system:stats"))
	assert.False(t, fake.Ran("rm -f"), "no unlock on success")
}
