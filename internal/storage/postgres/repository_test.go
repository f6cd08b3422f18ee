package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrashVibe/FGateNexus/internal/model"
	"github.com/CrashVibe/FGateNexus/internal/policy"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
	"github.com/CrashVibe/FGateNexus/internal/testutil"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano()%1_000_000_000)
}

func TestRepositories(t *testing.T) {
	pool := testutil.NewPool(t)
	ctx := context.Background()

	servers := postgres.NewServerRepository(pool)
	targets := postgres.NewTargetRepository(pool)
	players := postgres.NewPlayerRepository(pool)
	accounts := postgres.NewSocialAccountRepository(pool)
	adapters := postgres.NewAdapterRepository(pool)

	t.Run("server create applies default policies", func(t *testing.T) {
		srv, err := servers.Create(ctx, uniqueName("srv"), uniqueName("tok"))
		require.NoError(t, err)
		assert.Greater(t, srv.ID, int64(0))
		assert.Equal(t, policy.DefaultBindingConfig(), srv.Binding)
		assert.Equal(t, policy.DefaultNotifyConfig(), srv.Notify)
		assert.Nil(t, srv.AdapterID)
	})

	t.Run("duplicate server name is rejected", func(t *testing.T) {
		name := uniqueName("dup")
		_, err := servers.Create(ctx, name, uniqueName("a"))
		require.NoError(t, err)
		_, err = servers.Create(ctx, name, uniqueName("b"))
		assert.ErrorIs(t, err, postgres.ErrServerExists)
	})

	t.Run("lookup by token and missing server", func(t *testing.T) {
		token := uniqueName("tok")
		srv, err := servers.Create(ctx, uniqueName("srv"), token)
		require.NoError(t, err)

		got, err := servers.GetByToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, srv.ID, got.ID)

		_, err = servers.GetByToken(ctx, "nope")
		assert.ErrorIs(t, err, postgres.ErrServerNotFound)
		_, err = servers.Get(ctx, -1)
		assert.ErrorIs(t, err, postgres.ErrServerNotFound)
	})

	t.Run("token rotation", func(t *testing.T) {
		srv, err := servers.Create(ctx, uniqueName("srv"), uniqueName("tok"))
		require.NoError(t, err)
		other, err := servers.Create(ctx, uniqueName("srv"), uniqueName("tok"))
		require.NoError(t, err)

		fresh := uniqueName("rot")
		require.NoError(t, servers.SetToken(ctx, srv.ID, fresh))
		got, err := servers.GetByToken(ctx, fresh)
		require.NoError(t, err)
		assert.Equal(t, srv.ID, got.ID)

		_, err = servers.GetByToken(ctx, srv.Token)
		assert.ErrorIs(t, err, postgres.ErrServerNotFound)
		assert.ErrorIs(t, servers.SetToken(ctx, other.ID, fresh), postgres.ErrServerExists)
		assert.ErrorIs(t, servers.SetToken(ctx, -1, uniqueName("x")), postgres.ErrServerNotFound)
	})

	t.Run("policies and client info round trip", func(t *testing.T) {
		srv, err := servers.Create(ctx, uniqueName("srv"), uniqueName("tok"))
		require.NoError(t, err)

		binding := policy.DefaultBindingConfig()
		binding.ForceBind = true
		require.NoError(t, servers.UpdateBinding(ctx, srv.ID, binding))
		chat := policy.DefaultChatSyncConfig()
		chat.Enabled = true
		chat.Filters.BlacklistKeywords = []string{"spam"}
		require.NoError(t, servers.UpdateChatSync(ctx, srv.ID, chat))
		require.NoError(t, servers.UpdateClientInfo(ctx, srv.ID, "1.20.4", "Paper"))

		got, err := servers.Get(ctx, srv.ID)
		require.NoError(t, err)
		assert.True(t, got.Binding.ForceBind)
		assert.True(t, got.ChatSync.Enabled)
		assert.Equal(t, []string{"spam"}, got.ChatSync.Filters.BlacklistKeywords)
		require.NotNil(t, got.MinecraftVersion)
		assert.Equal(t, "1.20.4", *got.MinecraftVersion)

		assert.ErrorIs(t, servers.UpdateClientInfo(ctx, -1, "x", "y"), postgres.ErrServerNotFound)
	})

	t.Run("adapter attachment and listing", func(t *testing.T) {
		a, err := adapters.Create(ctx, "qq", model.AdapterOneBot, true, json.RawMessage(`{"selfId":"1"}`))
		require.NoError(t, err)
		srv, err := servers.Create(ctx, uniqueName("srv"), uniqueName("tok"))
		require.NoError(t, err)
		require.NoError(t, servers.SetAdapter(ctx, srv.ID, &a.ID))

		_, err = targets.Create(ctx, srv.ID, []postgres.TargetInput{
			{TargetID: "100", Type: model.TargetGroup, Enabled: true, Config: policy.DefaultTargetConfig()},
		})
		require.NoError(t, err)

		list, err := servers.ListByAdapter(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, srv.ID, list[0].ID)
		require.Len(t, list[0].Targets, 1)
		assert.Equal(t, "100", list[0].Targets[0].TargetID)

		toggled, err := adapters.SetEnabled(ctx, a.ID, false)
		require.NoError(t, err)
		assert.False(t, toggled.Enabled)
		enabled, err := adapters.ListEnabled(ctx)
		require.NoError(t, err)
		for _, e := range enabled {
			assert.NotEqual(t, a.ID, e.ID)
		}

		require.NoError(t, adapters.Delete(ctx, a.ID))
		detached, err := servers.Get(ctx, srv.ID)
		require.NoError(t, err)
		assert.Nil(t, detached.AdapterID)
		assert.ErrorIs(t, adapters.Delete(ctx, a.ID), postgres.ErrAdapterNotFound)
	})

	t.Run("targets are unique per server and kind", func(t *testing.T) {
		srv, err := servers.Create(ctx, uniqueName("srv"), uniqueName("tok"))
		require.NoError(t, err)

		created, err := targets.Create(ctx, srv.ID, []postgres.TargetInput{
			{TargetID: "200", Type: model.TargetGroup, Enabled: true, Config: policy.DefaultTargetConfig()},
			{TargetID: "200", Type: model.TargetPrivate, Enabled: true, Config: policy.DefaultTargetConfig()},
		})
		require.NoError(t, err)
		require.Len(t, created, 2)

		_, err = targets.Create(ctx, srv.ID, []postgres.TargetInput{
			{TargetID: "200", Type: model.TargetGroup, Enabled: true, Config: policy.DefaultTargetConfig()},
		})
		assert.ErrorIs(t, err, postgres.ErrTargetExists)

		cfg := policy.DefaultTargetConfig()
		cfg.Notify.Enabled = true
		require.NoError(t, targets.UpdateConfigs(ctx, srv.ID, map[string]policy.TargetConfig{created[0].ID: cfg}))
		list, err := targets.ListByServer(ctx, srv.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, tgt := range list {
			assert.Equal(t, tgt.ID == created[0].ID, tgt.Config.Notify.Enabled)
		}

		n, err := targets.Delete(ctx, srv.ID, []string{created[1].ID, "not-a-uuid"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = targets.Update(ctx, srv.ID, "not-a-uuid", postgres.TargetInput{TargetID: "x", Type: model.TargetGroup})
		assert.ErrorIs(t, err, postgres.ErrTargetNotFound)
	})

	t.Run("players link to social accounts", func(t *testing.T) {
		srv, err := servers.Create(ctx, uniqueName("srv"), uniqueName("tok"))
		require.NoError(t, err)

		playerUUID := "00000000-0000-0000-0000-" + fmt.Sprintf("%012d", time.Now().UnixNano()%1_000_000_000_000)
		ip := "10.0.0.1"
		p, err := players.Upsert(ctx, playerUUID, "Steve", &ip)
		require.NoError(t, err)
		assert.False(t, p.Bound())
		require.NoError(t, players.AddServer(ctx, p.ID, srv.ID))
		require.NoError(t, players.AddServer(ctx, p.ID, srv.ID))

		renamed, err := players.Upsert(ctx, playerUUID, "Alex", nil)
		require.NoError(t, err)
		assert.Equal(t, p.ID, renamed.ID)
		assert.Equal(t, "Alex", renamed.Name)
		require.NotNil(t, renamed.IP)
		assert.Equal(t, ip, *renamed.IP)

		acct, err := accounts.Resolve(ctx, model.AdapterOneBot, uniqueName("uid"), "nick")
		require.NoError(t, err)
		again, err := accounts.Resolve(ctx, model.AdapterOneBot, acct.UID, "")
		require.NoError(t, err)
		assert.Equal(t, acct.ID, again.ID)
		assert.Equal(t, "nick", again.Nickname)

		require.NoError(t, players.Link(ctx, playerUUID, acct.ID))
		linked, err := players.ListBySocialAccount(ctx, acct.ID)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, "Alex", linked[0].Name)

		onServer, err := players.ListByServer(ctx, srv.ID)
		require.NoError(t, err)
		assert.Len(t, onServer, 1)

		require.NoError(t, players.Unlink(ctx, p.ID))
		got, err := players.GetByUUID(ctx, playerUUID)
		require.NoError(t, err)
		assert.False(t, got.Bound())

		assert.ErrorIs(t, players.Link(ctx, "missing", acct.ID), postgres.ErrPlayerNotFound)
		_, err = accounts.Find(ctx, model.AdapterDiscord, acct.UID)
		assert.ErrorIs(t, err, postgres.ErrSocialAccountNotFound)
	})
}
