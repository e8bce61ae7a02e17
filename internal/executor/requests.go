package executor

// Canonical request constructors for the common outbound commands.

func SendGroupMessage(group int64, text string) ActionRequest {
	return ActionRequest{
		Action: "sendGroupMessage",
		Params: map[string]any{"group": group, "text": text},
	}
}

func SendFriendMessage(user int64, text string) ActionRequest {
	return ActionRequest{
		Action: "sendFriendMessage",
		Params: map[string]any{"user": user, "text": text},
	}
}

// SendTempMessage messages a group member through a temporary session.
func SendTempMessage(group, user int64, text string) ActionRequest {
	return ActionRequest{
		Action: "sendTempMessage",
		Params: map[string]any{"group": group, "user": user, "text": text},
	}
}

// HandleRequest answers a friend request or group invite by sequence id.
func HandleRequest(seq int64, accept bool) ActionRequest {
	return ActionRequest{
		Action: "handleRequest",
		Params: map[string]any{"seq": seq, "accept": accept},
	}
}
