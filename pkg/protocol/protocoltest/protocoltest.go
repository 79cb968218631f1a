// Package protocoltest runs a set of protocol instances against each
// other in-process, delivering every emitted frame immediately. It is
// the message pump used by the protocol test suites.
package protocoltest

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
)

// maxIterations bounds the pump so a livelocked protocol fails the test
// instead of hanging it.
const maxIterations = 1000

// Run drives every protocol until all of them return, delivering
// frames between them as they are produced. It returns each party's
// result, or an error if any protocol fails or the network goes quiet
// before completion.
func Run(parties map[party.ID]protocol.Protocol) (map[party.ID]interface{}, error) {
	ids := make([]party.ID, 0, len(parties))
	for id := range parties {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make(map[party.ID]interface{}, len(parties))
	for iteration := 0; iteration < maxIterations; iteration++ {
		progressed := false
		for _, id := range ids {
			if _, done := results[id]; done {
				continue
			}
			p := parties[id]
		poke:
			for {
				action, err := p.Poke()
				if err != nil {
					return nil, errors.Wrapf(err, "participant %d", id)
				}
				switch action.Type {
				case protocol.ActionWait:
					break poke
				case protocol.ActionSendMany:
					for _, other := range ids {
						if other == id {
							continue
						}
						parties[other].Message(id, action.Data)
					}
					progressed = true
				case protocol.ActionSendPrivate:
					target, ok := parties[action.To]
					if !ok {
						return nil, errors.Errorf("participant %d sent to unknown participant %d", id, action.To)
					}
					target.Message(id, action.Data)
					progressed = true
				case protocol.ActionReturn:
					results[id] = action.Result
					progressed = true
					break poke
				}
			}
		}
		if len(results) == len(parties) {
			return results, nil
		}
		if !progressed {
			return nil, errors.Errorf("network went quiet with %d of %d results", len(results), len(parties))
		}
	}
	return nil, errors.New("protocol did not terminate")
}
