package eventuallyfirestore_test

import (
	"context"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/gcloud"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/get-eventually/go-eventually-subscriptions/checkpoint"
	eventuallyfirestore "github.com/get-eventually/go-eventually-subscriptions/firestore"
)

const projectID = "eventually-test"

func TestCheckpointStore(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	ctx := context.Background()

	container, err := gcloud.RunFirestore(ctx,
		"gcr.io/google.com/cloudsdktool/cloud-sdk:367.0.0-emulators",
		gcloud.WithProjectID(projectID),
	)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	client, err := firestore.NewClient(ctx, projectID,
		option.WithEndpoint(container.URI),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	store := eventuallyfirestore.CheckpointStore{Client: client}

	cp, err := store.GetLastCheckpoint(ctx, "users-projection")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Checkpoint{SubscriptionID: "users-projection"}, cp)

	doc, err := client.Collection(eventuallyfirestore.DefaultCollection).Doc("users-projection").Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, doc.Data()["position"])

	_, err = store.StoreCheckpoint(ctx, checkpoint.At("users-projection", 42), false)
	require.NoError(t, err)

	cp, err = store.GetLastCheckpoint(ctx, "users-projection")
	require.NoError(t, err)
	require.NotNil(t, cp.Position)
	assert.Equal(t, uint64(42), *cp.Position)

	custom := eventuallyfirestore.CheckpointStore{Client: client, Collection: "Checkpoints"}

	cp, err = custom.GetLastCheckpoint(ctx, "users-projection")
	require.NoError(t, err)
	assert.Nil(t, cp.Position)
}
