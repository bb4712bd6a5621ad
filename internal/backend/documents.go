package backend

// GraphQL documents of the chat backend.
const (
	refreshTokenDoc = `mutation RefreshToken {
  refreshToken
}`

	loginDoc = `mutation LoginUser($email: String!, $password: String!) {
  login(loginInput: { email: $email, password: $password }) {
    user { id fullname email avatarUrl }
    accessToken
  }
}`

	registerDoc = `mutation RegisterUser($fullname: String!, $email: String!, $password: String!, $confirmPassword: String!) {
  register(registerInput: { fullname: $fullname, email: $email, password: $password, confirmPassword: $confirmPassword }) {
    user { id fullname email avatarUrl }
    accessToken
  }
}`

	logoutDoc = `mutation LogoutUser {
  logout
}`

	enterChatroomDoc = `mutation EnterChatroom($chatroomId: Float!) {
  enterChatroom(chatroomId: $chatroomId)
}`

	leaveChatroomDoc = `mutation LeaveChatroom($chatroomId: Float!) {
  leaveChatroom(chatroomId: $chatroomId)
}`

	getUsersOfChatroomDoc = `query GetUsersOfChatroom($chatroomId: Float!) {
  getUsersOfChatroom(chatroomId: $chatroomId) { id fullname email avatarUrl }
}`

	getMessagesForChatroomDoc = `query GetMessagesForChatroom($chatroomId: Float!) {
  getMessagesForChatroom(chatroomId: $chatroomId) {
    id
    content
    imageUrl
    createdAt
    user { id fullname email avatarUrl }
    chatroom { id }
  }
}`

	sendMessageDoc = `mutation SendMessage($chatroomId: Float!, $content: String!, $image: Upload) {
  sendMessage(chatroomId: $chatroomId, content: $content, image: $image) {
    id
    content
    imageUrl
    createdAt
    user { id fullname email avatarUrl }
    chatroom { id }
  }
}`

	userStartedTypingMutationDoc = `mutation UserStartedTypingMutation($chatroomId: Float!) {
  userStartedTypingMutation(chatroomId: $chatroomId) { id fullname }
}`

	userStoppedTypingMutationDoc = `mutation UserStoppedTypingMutation($chatroomId: Float!) {
  userStoppedTypingMutation(chatroomId: $chatroomId) { id fullname }
}`

	newMessageDoc = `subscription NewMessage($chatroomId: Float!) {
  newMessage(chatroomId: $chatroomId) {
    id
    content
    imageUrl
    createdAt
    user { id fullname email avatarUrl }
    chatroom { id }
  }
}`

	userStartedTypingDoc = `subscription UserStartedTyping($chatroomId: Float!, $userId: Float!) {
  userStartedTyping(chatroomId: $chatroomId, userId: $userId) { id fullname email avatarUrl }
}`

	userStoppedTypingDoc = `subscription UserStoppedTyping($chatroomId: Float!, $userId: Float!) {
  userStoppedTyping(chatroomId: $chatroomId, userId: $userId) { id fullname email avatarUrl }
}`

	liveUsersInChatroomDoc = `subscription LiveUsersInChatroom($chatroomId: Float!) {
  liveUsersInChatroom(chatroomId: $chatroomId) { id fullname email avatarUrl }
}`
)
