/*
 * Created:       Tue Aug  4 09:37:00 2026 wtools
 *
 */

package statemachine

// Storage rest/transient states (spec §4.1).
const (
	SClear     State = "Clear"
	SSyncReady State = "SyncReady"
	SMaster    State = "Master"
	SSlave     State = "Slave"
	SStopped   State = "Stopped"

	StInitVol    State = "tInitVol"
	StClearVol   State = "tClearVol"
	StStartSlave State = "tStartSlave"
	StStopSlave  State = "tStopSlave"
	StFullSync   State = "tFullSync"
	StHashSync   State = "tHashSync"
	StStartMaster State = "tStartMaster"
	StStopMaster State = "tStopMaster"
	StWlogSend   State = "tWlogSend"
	StWlogRemove State = "tWlogRemove"
	StReset      State = "tReset"
)

// StorageGraph is the edge table of spec §4.1's Storage states.
func StorageGraph() *Graph {
	return NewGraph([]Edge{
		{SClear, StInitVol}, {StInitVol, SSyncReady},
		{SSyncReady, StStartSlave}, {StStartSlave, SSlave},
		{SSlave, StStopSlave}, {StStopSlave, SSyncReady},
		{SSyncReady, StFullSync}, {StFullSync, SStopped},
		{SSyncReady, StHashSync}, {StHashSync, SStopped},
		{SSyncReady, StClearVol}, {StClearVol, SClear},
		{SStopped, StStartMaster}, {StStartMaster, SMaster},
		{SMaster, StStopMaster}, {StStopMaster, SStopped},
		{SMaster, StWlogSend}, {StWlogSend, SMaster},
		{SSlave, StWlogRemove}, {StWlogRemove, SSlave},
		{SStopped, StReset}, {StReset, SSyncReady},
	})
}

// Archive rest/transient states (spec §4.1).
const (
	AClear     State = "Clear"
	ASyncReady State = "SyncReady"
	AArchived  State = "Archived"
	AStopped   State = "Stopped"

	AtInitVol   State = "tInitVol"
	AtClearVol  State = "tClearVol"
	AtFullSync  State = "tFullSync"
	AtReplSync  State = "tReplSync"
	AtHashSync  State = "tHashSync"
	AtWdiffRecv State = "tWdiffRecv"
	AtStop      State = "tStop"
	AtStart     State = "tStart"
	AtResetVol  State = "tResetVol"
)

// ArchiveGraph is the edge table of spec §4.1's Archive states.
func ArchiveGraph() *Graph {
	return NewGraph([]Edge{
		{AClear, AtInitVol}, {AtInitVol, ASyncReady},
		{ASyncReady, AtFullSync}, {AtFullSync, AArchived},
		{ASyncReady, AtReplSync}, {AtReplSync, AArchived},
		{ASyncReady, AtClearVol}, {AtClearVol, AClear},
		{AArchived, AtHashSync}, {AtHashSync, AArchived},
		{AArchived, AtWdiffRecv}, {AtWdiffRecv, AArchived},
		{AArchived, AtReplSync},
		{AArchived, AtStop}, {AtStop, AStopped},
		{AStopped, AtClearVol},
		{AStopped, AtStart}, {AtStart, AArchived},
		{AStopped, AtResetVol}, {AtResetVol, ASyncReady},
	})
}

// RestStates used by the stop protocol to know when a volume has
// quiesced into an idle, non-transient state.
func RestStates(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// StorageRestStates and ArchiveRestStates are the rest-state subsets
// of their respective graphs, used by Volume.WaitDrain to decide when a
// volume is quiescent.
func StorageRestStates() map[State]bool {
	return RestStates(SClear, SSyncReady, SMaster, SSlave, SStopped)
}

func ArchiveRestStates() map[State]bool {
	return RestStates(AClear, ASyncReady, AArchived, AStopped)
}
