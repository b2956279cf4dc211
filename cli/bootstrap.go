package cli

import (
	"context"

	"github.com/sirupsen/logrus"

	"kairos.run/chainstore"
	"kairos.run/model"
	"kairos.run/tenant"
)

// reservedDoc is one single-step Markdown document minted at a fixed
// memory_uuid via StoreChain's deterministicHeadUUID parameter, so that the
// next_action URIs search emits for its synthetic create/refine choices
// (model.ReservedCreateUUID/ReservedRefineUUID) resolve to a real memory
// instead of dead-ending in NOT_FOUND.
type reservedDoc struct {
	uuid string
	doc  string
}

var reservedDocs = []reservedDoc{
	{
		uuid: model.ReservedCreateUUID,
		doc: "# Create a New Protocol\n\n## Step 1\n" +
			"No existing protocol matched your search closely enough to reuse. " +
			"Write a new Markdown memory chain: a level-1 heading for the chain's " +
			"label, then one level-2 heading per step with the work that step " +
			"covers. Call kairos_mint with the finished document once you are " +
			"ready to register it.\n",
	},
	{
		uuid: model.ReservedRefineUUID,
		doc: "# Refine Your Search\n\n## Step 1\n" +
			"Your search returned results below the confidence threshold for an " +
			"exact match. Narrow the query: name the specific tool, file type, or " +
			"outcome you are after, then call kairos_search again.\n",
	},
}

// seedReservedMemories mints the app-space helper chains that back the
// reserved create/refine choices search() synthesizes, idempotently: each
// call recomputes the same chainID from (author, content) and StoreChain's
// own idempotency check short-circuits once the points already exist.
func seedReservedMemories(ctx context.Context, chain *chainstore.Store, appSpaceID string, log *logrus.Logger) {
	tc := &tenant.Context{
		AllowedSpaceIDs:     []string{appSpaceID},
		DefaultWriteSpaceID: appSpaceID,
		Authenticated:       true,
		AppSpaceID:          appSpaceID,
	}

	for _, rd := range reservedDocs {
		if _, err := chain.StoreChain(ctx, tc, rd.doc, "kairos-system", false, rd.uuid); err != nil {
			log.WithError(err).WithField("memory_uuid", rd.uuid).Warn("seed reserved helper memory")
		}
	}
}
