package klf200

import "fmt"

// Command identifies an API frame type.
type Command uint16

// API commands used by the bridge. Names follow the KLF200 API
// documentation with the GW_ prefix dropped.
const (
	CmdErrorNtf                          Command = 0x0000
	CmdRebootReq                         Command = 0x0001
	CmdRebootCfm                         Command = 0x0002
	CmdGetVersionReq                     Command = 0x0008
	CmdGetVersionCfm                     Command = 0x0009
	CmdGetProtocolVersionReq             Command = 0x000A
	CmdGetProtocolVersionCfm             Command = 0x000B
	CmdGetStateReq                       Command = 0x000C
	CmdGetStateCfm                       Command = 0x000D
	CmdGetNodeInformationReq             Command = 0x0200
	CmdGetNodeInformationCfm             Command = 0x0201
	CmdGetAllNodesInformationReq         Command = 0x0202
	CmdGetAllNodesInformationCfm         Command = 0x0203
	CmdGetAllNodesInformationNtf         Command = 0x0204
	CmdGetAllNodesInformationFinishedNtf Command = 0x0205
	CmdNodeInformationChangedNtf         Command = 0x020C
	CmdGetNodeInformationNtf             Command = 0x0210
	CmdNodeStatePositionChangedNtf       Command = 0x0211
	CmdHouseStatusMonitorEnableReq       Command = 0x0240
	CmdHouseStatusMonitorEnableCfm       Command = 0x0241
	CmdCommandSendReq                    Command = 0x0300
	CmdCommandSendCfm                    Command = 0x0301
	CmdCommandRunStatusNtf               Command = 0x0302
	CmdCommandRemainingTimeNtf           Command = 0x0303
	CmdSessionFinishedNtf                Command = 0x0304
	CmdSetLimitationReq                  Command = 0x0310
	CmdSetLimitationCfm                  Command = 0x0311
	CmdGetLimitationStatusReq            Command = 0x0312
	CmdGetLimitationStatusCfm            Command = 0x0313
	CmdLimitationStatusNtf               Command = 0x0314
	CmdSetUTCReq                         Command = 0x2000
	CmdSetUTCCfm                         Command = 0x2001
	CmdPasswordEnterReq                  Command = 0x3000
	CmdPasswordEnterCfm                  Command = 0x3001
)

var commandNames = map[Command]string{
	CmdErrorNtf:                          "ERROR_NTF",
	CmdRebootReq:                         "REBOOT_REQ",
	CmdRebootCfm:                         "REBOOT_CFM",
	CmdGetVersionReq:                     "GET_VERSION_REQ",
	CmdGetVersionCfm:                     "GET_VERSION_CFM",
	CmdGetProtocolVersionReq:             "GET_PROTOCOL_VERSION_REQ",
	CmdGetProtocolVersionCfm:             "GET_PROTOCOL_VERSION_CFM",
	CmdGetStateReq:                       "GET_STATE_REQ",
	CmdGetStateCfm:                       "GET_STATE_CFM",
	CmdGetNodeInformationReq:             "GET_NODE_INFORMATION_REQ",
	CmdGetNodeInformationCfm:             "GET_NODE_INFORMATION_CFM",
	CmdGetAllNodesInformationReq:         "GET_ALL_NODES_INFORMATION_REQ",
	CmdGetAllNodesInformationCfm:         "GET_ALL_NODES_INFORMATION_CFM",
	CmdGetAllNodesInformationNtf:         "GET_ALL_NODES_INFORMATION_NTF",
	CmdGetAllNodesInformationFinishedNtf: "GET_ALL_NODES_INFORMATION_FINISHED_NTF",
	CmdNodeInformationChangedNtf:         "NODE_INFORMATION_CHANGED_NTF",
	CmdGetNodeInformationNtf:             "GET_NODE_INFORMATION_NTF",
	CmdNodeStatePositionChangedNtf:       "NODE_STATE_POSITION_CHANGED_NTF",
	CmdHouseStatusMonitorEnableReq:       "HOUSE_STATUS_MONITOR_ENABLE_REQ",
	CmdHouseStatusMonitorEnableCfm:       "HOUSE_STATUS_MONITOR_ENABLE_CFM",
	CmdCommandSendReq:                    "COMMAND_SEND_REQ",
	CmdCommandSendCfm:                    "COMMAND_SEND_CFM",
	CmdCommandRunStatusNtf:               "COMMAND_RUN_STATUS_NTF",
	CmdCommandRemainingTimeNtf:           "COMMAND_REMAINING_TIME_NTF",
	CmdSessionFinishedNtf:                "SESSION_FINISHED_NTF",
	CmdSetLimitationReq:                  "SET_LIMITATION_REQ",
	CmdSetLimitationCfm:                  "SET_LIMITATION_CFM",
	CmdGetLimitationStatusReq:            "GET_LIMITATION_STATUS_REQ",
	CmdGetLimitationStatusCfm:            "GET_LIMITATION_STATUS_CFM",
	CmdLimitationStatusNtf:               "LIMITATION_STATUS_NTF",
	CmdSetUTCReq:                         "SET_UTC_REQ",
	CmdSetUTCCfm:                         "SET_UTC_CFM",
	CmdPasswordEnterReq:                  "PASSWORD_ENTER_REQ",
	CmdPasswordEnterCfm:                  "PASSWORD_ENTER_CFM",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(c))
}
